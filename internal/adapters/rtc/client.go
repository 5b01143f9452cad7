package rtc

import (
	"github.com/avellin/huddle/internal/core"
)

// Client dials SFU rooms. One Room is minted per join attempt; rooms
// are never reused after Leave.
type Client struct {
	engine    *Engine
	signalURL string
	renderer  *Renderer
}

// NewClient wires a dialer against the SFU's signaling endpoint.
// renderer may be nil for headless operation; subscribed media is then
// drained and discarded.
func NewClient(engine *Engine, signalURL string, renderer *Renderer) *Client {
	return &Client{engine: engine, signalURL: signalURL, renderer: renderer}
}

func (c *Client) OpenRoom() core.MediaRoom {
	return newRoom(c.engine, c.signalURL, c.renderer)
}
