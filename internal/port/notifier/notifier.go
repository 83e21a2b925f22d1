package notifier

import "context"

// WorkerNotifier pushes a payload to a worker's live session, if it has one.
// [ISP] Forwarding needs only this; session bookkeeping stays with the transport.
type WorkerNotifier interface {
	NotifyWorker(ctx context.Context, workerID string, payload any) error
}
