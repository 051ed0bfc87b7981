package concurrency

// Task runs a function in the background and keeps its result.
type Task[T any] struct {
	done  chan struct{}
	value T
}

func Go[T any](f func() T) *Task[T] {
	t := &Task[T]{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.value = f()
	}()
	return t
}

// Done is closed once the result is available.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

func (t *Task[T]) Wait() T {
	<-t.done
	return t.value
}

// Poll returns the result if the task has finished.
func (t *Task[T]) Poll() (T, bool) {
	select {
	case <-t.done:
		return t.value, true
	default:
		var zero T
		return zero, false
	}
}
