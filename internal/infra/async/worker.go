package async

import "context"

// Worker is a long-running unit launched from main. Run blocks until ctx is
// cancelled and calls done on the way out.
type Worker interface {
	Run(ctx context.Context, done func())
	Shutdown()
}
