/*
Package scan defines the scan unit and scanner context the schedulers
operate on.

A Scanner is the collaborator that actually reads storage. Each call to Scan
performs one increment of work and may return a Batch. A ScanTask wraps one
scanner with its scheduling state:

	Pending --Begin--> Running --Yield--> Pending     (more data, resubmit)
	                   Running --Finish-> Finished    (end of stream)
	        Pending/Running --Fail--> Failed          (error or rejection)

Begin is a compare-and-swap, so a task can only be executed by one worker at
a time, and a scheduler only resubmits a task after its step returned.

A ScannerContext aggregates the tasks of one scan operator instance. It
dispatches up to MaxConcurrency tasks through a Submitter, dispatches the
next pending scanner whenever a task retires, and records the first error
any task reports; later errors are dropped. Once a status is set no further
task is dispatched and the context's context.Context is cancelled so running
scanners can stop at their next safe point.

The output channel returned by Batches is closed exactly once, after the last
in-flight task retired, so it is never written after the context is done:

	sctx := scan.NewContext(scan.ContextConfig{MaxConcurrency: 4})
	for _, s := range scanners {
		sctx.AddScanner(s)
	}
	if err := sctx.Start(sched); err != nil {
		return err
	}
	for batch := range sctx.Batches() {
		consume(batch)
	}
	return sctx.Status()

Errors in the cancellation class wrap ErrCancelled; use IsCancelled.
*/
package scan
