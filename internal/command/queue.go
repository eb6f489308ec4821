package command

import "container/heap"

// queueItem wraps a pending command with its submission sequence number.
// The sequence breaks priority ties, so commands of equal priority leave
// the queue in the order they arrived.
type queueItem struct {
	cmd *Command
	seq uint64
}

// priorityQueue is a heap of pending commands for one device, ordered by
// priority rank then submission sequence.
type priorityQueue []*queueItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	ri, rj := pq[i].cmd.Priority.rank(), pq[j].cmd.Priority.rank()
	if ri != rj {
		return ri < rj
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) { *pq = append(*pq, x.(*queueItem)) }

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// push enqueues a command.
func (pq *priorityQueue) push(cmd *Command, seq uint64) {
	heap.Push(pq, &queueItem{cmd: cmd, seq: seq})
}

// pop removes and returns the highest-priority command, or nil when the
// queue is empty.
func (pq *priorityQueue) pop() *Command {
	if pq.Len() == 0 {
		return nil
	}
	return heap.Pop(pq).(*queueItem).cmd
}

// remove takes the command with the given ID out of the queue, returning
// it, or nil if the ID is not queued.
func (pq *priorityQueue) remove(id string) *Command {
	for i, item := range *pq {
		if item.cmd.ID == id {
			heap.Remove(pq, i)
			return item.cmd
		}
	}
	return nil
}

// drain empties the queue and returns everything that was pending.
func (pq *priorityQueue) drain() []*Command {
	pending := make([]*Command, 0, pq.Len())
	for pq.Len() > 0 {
		pending = append(pending, pq.pop())
	}
	return pending
}
