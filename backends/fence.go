package backends

// Fence is the per-value synchronization handle used when a value is produced
// and consumed on different queues or providers.
//
// The engine only sequences when transitions happen; the fence decides
// internally whether an actual wait or signal is needed. Same-provider,
// same-queue uses are expected to be no-ops.
//
// Transitions always pair: every BeforeUsingAsInput is followed by exactly
// one AfterUsedAsInput with the same queue, and likewise for outputs. The
// before-transitions of a node run before its kernel computes; the
// after-transitions run only if the compute succeeded, and always before the
// value is released.
//
// An after-transition declares a use finished from the plan's point of view,
// not the hardware's: the kernel may have merely enqueued its work. The
// engine therefore calls BeforeRelease before freeing a fenced value, and
// only then may the buffer be recycled.
type Fence interface {
	// BeforeUsingAsInput is called before a kernel running on the given
	// provider and queue reads the value. It may block until the producing
	// queue has made the value visible.
	BeforeUsingAsInput(provider string, queue QueueID)

	// BeforeUsingAsOutput is called before a kernel running on the given
	// provider and queue writes the value.
	BeforeUsingAsOutput(provider string, queue QueueID)

	// AfterUsedAsInput marks the point after which the reading queue no
	// longer needs the value.
	AfterUsedAsInput(queue QueueID)

	// AfterUsedAsOutput marks the point after which the value is safe for
	// another queue or provider to consume, or for the value to be released.
	AfterUsedAsOutput(queue QueueID)

	// BeforeRelease blocks until every use declared through the After
	// transitions has actually completed on its queue. Until it returns, the
	// value's buffer may still be read or written by queued kernel work and
	// must not be freed.
	BeforeRelease()
}
