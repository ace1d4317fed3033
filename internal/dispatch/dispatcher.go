// Package dispatch re-invokes the processing pipeline out-of-band so the
// synchronous webhook invocation can acknowledge within the platform's
// response deadline. The dispatching call never observes the outcome of the
// processing call.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"epsam-assistant/internal/domain"
)

// lambdaAPI is the minimal Lambda interface required by Dispatcher.
type lambdaAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Dispatcher fires asynchronous self-invocations of the processing function.
type Dispatcher struct {
	api          lambdaAPI
	functionName string
}

// New creates a Dispatcher targeting the given function name or ARN.
func New(api lambdaAPI, functionName string) (*Dispatcher, error) {
	if api == nil {
		return nil, errors.New("dispatch: api must not be nil")
	}
	if strings.TrimSpace(functionName) == "" {
		return nil, errors.New("dispatch: function name must not be empty")
	}
	return &Dispatcher{api: api, functionName: functionName}, nil
}

// DispatchEvent enqueues deferred processing of a gated event.
func (d *Dispatcher) DispatchEvent(ctx context.Context, ev domain.Event, eventID string) error {
	return d.invoke(ctx, domain.AsyncPayload{Event: &ev, EventID: eventID})
}

// DispatchAction enqueues deferred processing of an interaction callback.
func (d *Dispatcher) DispatchAction(ctx context.Context, body json.RawMessage) error {
	return d.invoke(ctx, domain.AsyncPayload{ActionBody: body})
}

func (d *Dispatcher) invoke(ctx context.Context, payload domain.AsyncPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispatch: marshal payload: %w", err)
	}
	_, err = d.api.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(d.functionName),
		InvocationType: types.InvocationTypeEvent,
		Payload:        body,
	})
	if err != nil {
		return fmt.Errorf("dispatch: invoke %s: %w", d.functionName, err)
	}
	return nil
}
