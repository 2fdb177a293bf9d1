package errors_test

import (
	"fmt"
	"net/http/httptest"

	"github.com/mcncl/slowhello/internal/errors"
)

func ExampleWrap() {
	cause := fmt.Errorf("rpc error: topic unavailable")
	err := errors.Wrap(errors.NewPublishError("publish failed", cause), "outcome event")

	fmt.Println(errors.Type(err), errors.IsRetryable(err))
	fmt.Println(err)
	// Output:
	// publish true
	// publish error: outcome event: publish failed - caused by: rpc error: topic unavailable
}

func ExampleNewBindError() {
	err := errors.NewBindError("0.0.0.0:9999", fmt.Errorf("address already in use"))

	fmt.Println(errors.IsBindError(err), errors.StatusCode(err))
	fmt.Println(errors.GetDetails(err)["address"])
	// Output:
	// true 500
	// 0.0.0.0:9999
}

func ExampleWriteJSON() {
	w := httptest.NewRecorder()
	err := errors.WithDetails(
		errors.NewTimeoutError("request exceeded deadline"),
		map[string]interface{}{"timeout": "1s"},
	)

	_ = errors.WriteJSON(w, 0, err)

	fmt.Println(w.Code, w.Header().Get("Content-Type"))
	fmt.Print(w.Body.String())
	// Output:
	// 408 application/json
	// {"status":"error","message":"timeout error: request exceeded deadline - details: {\"timeout\":\"1s\"}","error_type":"timeout","details":{"timeout":"1s"}}
}
