package paas

import (
	"context"
	"time"
)

type ctxKey int

const clientCtxKey ctxKey = 1

func WithClient(ctx context.Context, c *Client) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, clientCtxKey, c)
}

func ClientFromContext(ctx context.Context) *Client {
	if ctx == nil {
		return nil
	}
	v := ctx.Value(clientCtxKey)
	c, _ := v.(*Client)
	return c
}

// LogBestEffortCtx writes an audit log with the client carried by ctx, if any.
func LogBestEffortCtx(ctx context.Context, action, level string, details map[string]any) {
	p := ClientFromContext(ctx)
	if p == nil {
		return
	}
	ctx2, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.CreateLog(ctx2, CreateLogRequest{
		Action:  action,
		Level:   level,
		Details: details,
	})
}
