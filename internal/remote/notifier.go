package remote

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
)

// NotifierConfig configures the connectivity notifier.
type NotifierConfig struct {
	// URL is the websocket endpoint kept open as a connectivity probe,
	// typically the API server's event stream.
	URL string

	// RedialInterval is how long to wait after a failed dial or a
	// dropped connection before trying again.
	RedialInterval time.Duration

	// Logger for notifier activity.
	Logger *log.Logger
}

// Notifier watches connectivity to the remote authority by holding a
// websocket open to it. Every offline-to-online transition emits one
// event on Online, which the daemon uses to trigger an immediate drain.
//
// The very first successful dial also counts as a transition, so a
// process started while online drains promptly.
type Notifier struct {
	config NotifierConfig
	online chan struct{}
}

// NewNotifier creates a notifier. Call Run to start probing.
func NewNotifier(config NotifierConfig) *Notifier {
	if config.RedialInterval <= 0 {
		config.RedialInterval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Notifier{
		config: config,
		online: make(chan struct{}, 1),
	}
}

// Online delivers one event per offline-to-online transition. Events are
// coalesced: an unconsumed event absorbs later ones.
func (n *Notifier) Online() <-chan struct{} {
	return n.online
}

// Run blocks until ctx is cancelled, maintaining the probe connection
// and emitting online transitions.
func (n *Notifier) Run(ctx context.Context) error {
	wasOffline := true

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.Dial(dialCtx, n.config.URL, nil)
		cancel()

		if err != nil {
			if !wasOffline {
				n.config.Logger.Printf("Connection lost: %v", err)
			}
			wasOffline = true
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.config.RedialInterval):
			}
			continue
		}

		if wasOffline {
			n.config.Logger.Println("Remote authority reachable")
			select {
			case n.online <- struct{}{}:
			default:
				// An unconsumed event already signals the transition.
			}
		}
		wasOffline = false

		// Hold the connection; any read error means we went offline.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				break
			}
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wasOffline = true
		n.config.Logger.Println("Connection closed, redialing")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.config.RedialInterval):
		}
	}
}
