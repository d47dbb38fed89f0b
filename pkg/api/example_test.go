package api_test

import (
	"errors"
	"fmt"
	"log"

	"github.com/petrijr/asynctask/pkg/api"
)

type ResizeImage struct {
	ImageID string `json:"imageId"`
	Bucket  string `json:"bucket"`
}

func (r ResizeImage) UniqueKey() api.Key { return api.Key{"imageId": r.ImageID} }
func (r ResizeImage) MutexKey() api.Key  { return api.Key{"bucket": r.Bucket} }

// ExampleEncodeEnvelope shows the wire form of a dispatched task and how a
// consumer reads it back.
func ExampleEncodeEnvelope() {
	task := api.Task[ResizeImage]{
		Status:  api.StatusQueued,
		Payload: ResizeImage{ImageID: "img-1", Bucket: "avatars"},
	}

	body, err := api.EncodeEnvelope(api.Envelope[ResizeImage]{Task: &task})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(body))

	env, err := api.DecodeSingleEnvelope[ResizeImage]([][]byte{body})
	if err != nil {
		log.Fatal(err)
	}
	key, _ := env.Task.MutexKey()
	fmt.Println(env.Task.UniqueKey(), key)

	// Output:
	// {"task":{"status":"QUEUED","payload":{"imageId":"img-1","bucket":"avatars"}}}
	// imageId=img-1 bucket=avatars
}

// ExampleKindOf shows how callers branch on error kinds.
func ExampleKindOf() {
	errs := []error{
		nil,
		api.ErrTaskNotFound,
		&api.RetryLaterError{Reason: "lease held"},
		api.ErrStatusStillAttempted,
		errors.New("connection reset"),
	}
	for _, err := range errs {
		fmt.Println(api.KindOf(err))
	}

	// Output:
	// invalid_request
	// retry_later
	// invariant_violation
	// other
}
