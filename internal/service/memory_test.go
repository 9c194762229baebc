package service

import (
	"github.com/eventcert/certclaim/internal/certimage"
)

// stubComposer renders a fake artifact without touching real image code. The
// hook, when set, runs before composing (used to simulate failures and
// client disconnects mid-claim).
type stubComposer struct {
	hook func() error
}

func (c *stubComposer) Compose(_ []byte, displayName, code string, _ certimage.Layout) ([]byte, error) {
	if c.hook != nil {
		if err := c.hook(); err != nil {
			return nil, err
		}
	}
	return []byte("png:" + displayName + ":" + code), nil
}
