package carelink

import (
	"context"
	"errors"
	"time"
)

// DefaultKeeperInterval is how often a Keeper checks the credential.
const DefaultKeeperInterval = time.Minute

// Keeper periodically asks the TokenManager for a bearer so the credential
// is refreshed while it is still EXPIRING, before any data call needs it.
type Keeper struct {
	Tokens   *TokenManager
	Interval time.Duration

	// OnInvalid, if set, is called once each time the credential becomes
	// unrecoverable without enrollment.
	OnInvalid func(error)

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewKeeper creates a keeper. A zero or negative interval defaults to
// DefaultKeeperInterval.
func NewKeeper(tokens *TokenManager, interval time.Duration) *Keeper {
	if interval <= 0 {
		interval = DefaultKeeperInterval
	}

	return &Keeper{
		Tokens:   tokens,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the keeper in the background until Stop is called or ctx is
// done. Values carried by ctx, such as its logger, reach every check.
func (k *Keeper) Start(ctx context.Context) {
	go k.run(ctx)
	k.Tokens.client.logger().Info("credential keeper started", "interval", k.Interval)
}

// Stop shuts the keeper down and waits for an in-progress tick to finish.
func (k *Keeper) Stop() {
	close(k.stopCh)
	<-k.doneCh
	k.Tokens.client.logger().Info("credential keeper stopped")
}

// Done is closed once the keeper has stopped.
func (k *Keeper) Done() <-chan struct{} {
	return k.doneCh
}

func (k *Keeper) run(parent context.Context) {
	defer close(k.doneCh)

	ticker := time.NewTicker(k.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-k.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	wasInvalid := false
	k.tick(ctx, &wasInvalid)

	for {
		select {
		case <-ticker.C:
			k.tick(ctx, &wasInvalid)
		case <-k.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (k *Keeper) tick(ctx context.Context, wasInvalid *bool) {
	log := k.Tokens.client.logger()

	_, err := k.Tokens.CurrentBearer(ctx)
	snap := k.Tokens.Snapshot()

	switch {
	case err == nil:
		*wasInvalid = false
		log.Debug("credential checked", "state", snap.State, "expires_at", snap.ExpiresAt)
	case errors.Is(err, ErrNoValidCredential):
		if !*wasInvalid {
			log.Error("credential requires enrollment", "reason", snap.Reason, "error", err)
			if k.OnInvalid != nil {
				k.OnInvalid(err)
			}
		}
		*wasInvalid = true
	case errors.Is(err, context.Canceled):
	default:
		log.Warn("credential check failed, will retry", "state", snap.State, "error", err)
	}
}
