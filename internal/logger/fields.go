package logger

import (
	"time"

	"go.uber.org/zap"
)

// Op names the operation being performed.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Mode is the credential mode of the session.
func Mode(v string) zap.Field {
	return zap.String("mode", v)
}

// State is a session state name.
func State(v string) zap.Field {
	return zap.String("state", v)
}

func Status(v int) zap.Field {
	return zap.Int("status", v)
}

func Method(v string) zap.Field {
	return zap.String("method", v)
}

func Endpoint(v string) zap.Field {
	return zap.String("endpoint", v)
}

func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// Epoch is the session epoch a result was captured under.
func Epoch(v uint64) zap.Field {
	return zap.Uint64("epoch", v)
}

func Err(err error) zap.Field {
	return zap.Error(err)
}
