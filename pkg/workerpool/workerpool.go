package workerpool

import "sync"

// WorkerPool ограниченный набор горутин для разовой пачки задач.
// После Wait пул закрыт, для следующей пачки создается новый.
type WorkerPool struct {
	taskQueue chan func()
	workers   sync.WaitGroup
	closeOnce sync.Once
}

func NewWorkerPool(workerCount int) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	pool := &WorkerPool{
		taskQueue: make(chan func()),
	}
	pool.workers.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go pool.worker()
	}
	return pool
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for task := range wp.taskQueue {
		task()
	}
}

// Submit блокируется, пока задачу не возьмет свободный воркер
func (wp *WorkerPool) Submit(task func()) {
	wp.taskQueue <- task
}

// Wait закрывает очередь и ждет завершения всех отправленных задач
func (wp *WorkerPool) Wait() {
	wp.closeOnce.Do(func() { close(wp.taskQueue) })
	wp.workers.Wait()
}
