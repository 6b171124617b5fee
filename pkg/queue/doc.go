/*
Package queue provides the bounded blocking queues the scan schedulers are
built on.

BlockingQueue is a fixed capacity FIFO: producers block in Put while it is
full, which is how a saturated workload group throttles the code feeding it,
and consumers block in BlockingGet while it is empty. Shutdown wakes every
blocked caller; afterwards Put fails and BlockingGet hands out whatever is
left before reporting "no item".

BlockingPriorityQueue adds a fixed number of priority levels with simple
aging so that a steady stream of urgent work cannot starve the rest.

Both keep their items in github.com/golang-collections/collections/queue and
guard it with a mutex and two condition variables.
*/
package queue
