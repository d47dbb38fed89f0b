package asynctask_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/asynctask"
)

type SendInvoice struct {
	InvoiceID string `json:"invoiceId"`
}

func (s SendInvoice) UniqueKey() asynctask.Key {
	return asynctask.Key{"invoiceId": s.InvoiceID}
}

// Example_enqueueAndExecute drives one task through Enqueue and Execute by
// hand, without a worker.
func Example_enqueueAndExecute() {
	ctx := context.Background()

	store := asynctask.NewMemoryStore[SendInvoice]()
	q := asynctask.NewInMemoryQueue("mem://invoices")

	enq, err := asynctask.NewEnqueuer(store, asynctask.Dispatch[SendInvoice](q), asynctask.DefaultConfig())
	if err != nil {
		log.Fatal(err)
	}
	exec, err := asynctask.NewExecutor(store, asynctask.FulfillOnSuccess(store,
		func(ctx context.Context, task asynctask.Task[SendInvoice]) (string, error) {
			return "sent " + task.Payload.InvoiceID, nil
		}), asynctask.DefaultConfig())
	if err != nil {
		log.Fatal(err)
	}

	task, err := enq.Enqueue(ctx, SendInvoice{InvoiceID: "inv-1"})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("enqueued:", task.Status)

	msg, err := q.Receive(ctx)
	if err != nil {
		log.Fatal(err)
	}
	env, err := asynctask.DecodeEnvelopeBody[SendInvoice](msg.Body)
	if err != nil {
		log.Fatal(err)
	}

	res, err := exec.Execute(ctx, *env.Task, env.Meta)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Outcome, res.Value, res.Task.Status)

	// Redelivery of a settled task is skipped.
	res, err = exec.Execute(ctx, *env.Task, env.Meta)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Outcome)

	// Output:
	// enqueued: QUEUED
	// executed sent inv-1 FULFILLED
	// skipped
}

// Example_localRunner demonstrates running tasks with an in-process store,
// queue, and worker.
func Example_localRunner() {
	ctx := context.Background()

	done := make(chan string, 1)
	runner, err := asynctask.NewLocalRunner(func(ctx context.Context, task asynctask.Task[SendInvoice]) (string, error) {
		done <- task.Payload.InvoiceID
		return "", nil
	}, asynctask.RunnerConfig{Lifecycle: asynctask.Config{ReadRetryDelay: 50 * time.Millisecond}})
	if err != nil {
		log.Fatal(err)
	}

	// Start one worker goroutine.
	if err := runner.StartWorkers(ctx, 1); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	if _, err := runner.Enqueue(ctx, SendInvoice{InvoiceID: "inv-2"}); err != nil {
		log.Fatal(err)
	}

	select {
	case id := <-done:
		fmt.Println("handled", id)
	case <-time.After(2 * time.Second):
		fmt.Println("timed out")
	}

	// Output:
	// handled inv-2
}
