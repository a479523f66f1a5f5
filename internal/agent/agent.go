package agent

import "context"

// Agent is the role object a non-standalone launcher delegates its run and
// stop lifecycle to.
type Agent interface {
	Run(ctx context.Context) error
	Stop()
}
