package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ExternalID is the numeric id assigned by the third-party platform.
// Snowflake ids overflow float64, so the backend may send them quoted.
type ExternalID uint64

func (id *ExternalID) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*id = 0
		return nil
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid external id %q: %w", data, err)
	}
	*id = ExternalID(v)
	return nil
}

func (id ExternalID) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(id), 10))
}

func (id ExternalID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// UserProfile merges the provider identity returned by /auth/verify with the
// app fields returned by /user/profile.
type UserProfile struct {
	ID            ExternalID `json:"id"`
	Username      string     `json:"username"`
	Avatar        string     `json:"avatar_url,omitempty"`
	Balance       int64      `json:"balance"`
	Rank          string     `json:"rank,omitempty"`
	AuctionWins   int        `json:"auction_wins"`
	TotalAuctions int        `json:"total_auctions"`
}

// Merge overlays the non-zero fields of other onto p.
func (p *UserProfile) Merge(other *UserProfile) {
	if other == nil {
		return
	}
	if other.ID != 0 {
		p.ID = other.ID
	}
	if other.Username != "" {
		p.Username = other.Username
	}
	if other.Avatar != "" {
		p.Avatar = other.Avatar
	}
	p.Balance = other.Balance
	if other.Rank != "" {
		p.Rank = other.Rank
	}
	p.AuctionWins = other.AuctionWins
	p.TotalAuctions = other.TotalAuctions
}

// Balance is the body of /api/user/aqualis. Earlier backends named the
// field total; it is accepted when balance is absent.
type Balance struct {
	Balance int64 `json:"balance"`
}

func (b *Balance) UnmarshalJSON(data []byte) error {
	var raw struct {
		Balance *int64 `json:"balance"`
		Total   *int64 `json:"total"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.Balance != nil:
		b.Balance = *raw.Balance
	case raw.Total != nil:
		b.Balance = *raw.Total
	default:
		b.Balance = 0
	}
	return nil
}

// Stats is the unauthenticated server status from /stats.
type Stats struct {
	PlayersOnline     int    `json:"players_online"`
	Uptime            string `json:"uptime"`
	ActiveAuctions    int    `json:"active_auctions"`
	RegisteredPlayers int    `json:"registered_players"`
}
