package ipc

import (
	"context"
	"fmt"

	"github.com/mil-ad/outputctl/internal/audio"
)

// Proxy is the typed face of a Client. It satisfies Service.
type Proxy struct {
	client *Client
}

func NewProxy(client *Client) *Proxy {
	return &Proxy{client: client}
}

func (p *Proxy) CurrentOutputMode(ctx context.Context) (audio.OutputMode, error) {
	resp, err := p.client.Call(ctx, MethodGetCurrentOutputMode)
	if err != nil {
		return 0, err
	}
	if resp.Mode == nil {
		return 0, fmt.Errorf("%s: response carries no mode", MethodGetCurrentOutputMode)
	}
	return *resp.Mode, nil
}

func (p *Proxy) SetSpeakers(ctx context.Context) error {
	return p.call(ctx, MethodSetSpeakers)
}

func (p *Proxy) SetHeadphones(ctx context.Context) error {
	return p.call(ctx, MethodSetHeadphones)
}

func (p *Proxy) EnableDirect(ctx context.Context) error {
	return p.call(ctx, MethodEnableDirect)
}

func (p *Proxy) DisableDirect(ctx context.Context) error {
	return p.call(ctx, MethodDisableDirect)
}

// SetOutputMode switches to mode.
func (p *Proxy) SetOutputMode(ctx context.Context, mode audio.OutputMode) error {
	switch mode {
	case audio.Speakers:
		return p.SetSpeakers(ctx)
	case audio.Headphones:
		return p.SetHeadphones(ctx)
	}
	return fmt.Errorf("invalid output mode %d", uint32(mode))
}

// Events delivers route changes pushed by the server.
func (p *Proxy) Events() <-chan audio.OutputModeChanged {
	return p.client.Events()
}

func (p *Proxy) Close() error {
	return p.client.Close()
}

func (p *Proxy) call(ctx context.Context, method string) error {
	_, err := p.client.Call(ctx, method)
	return err
}
