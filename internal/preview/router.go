// Package preview routes events carrying a pr:<id> directive (or posted in a
// thread already pinned to one) to that pull request's preview-environment
// backend instead of processing them locally.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"epsam-assistant/internal/domain"
)

// processorOutputKey is the stack output naming the preview instance's
// processing function, by deployment convention.
const processorOutputKey = "ProcessorFunctionArn"

// defaultStackPrefix names preview stacks by convention: epsam-pr-<id>.
const defaultStackPrefix = "epsam-pr-"

var directivePattern = regexp.MustCompile(`\bpr:(\d+)\b`)

// cloudFormationAPI is the minimal CloudFormation interface required by Router.
type cloudFormationAPI interface {
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

// lambdaAPI is the minimal Lambda interface required by Router.
type lambdaAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// MappingStore persists and reads thread-to-preview pinnings.
type MappingStore interface {
	GetPullRequestMapping(ctx context.Context, conversationKey string) (string, error)
	PutPullRequestMapping(ctx context.Context, conversationKey, pullRequestID string) error
}

// Router detects routing directives and forwards payloads to preview
// backends. Unlike the rest of the system, ARN resolution failures are NOT
// swallowed: silently processing in the wrong environment is worse than
// failing loud.
type Router struct {
	cfn         cloudFormationAPI
	lambda      lambdaAPI
	store       MappingStore
	stackPrefix string
}

// New creates a Router.
func New(cfn cloudFormationAPI, lambdaAPI lambdaAPI, store MappingStore, stackPrefix string) (*Router, error) {
	if cfn == nil {
		return nil, errors.New("preview: cloudformation api must not be nil")
	}
	if lambdaAPI == nil {
		return nil, errors.New("preview: lambda api must not be nil")
	}
	if store == nil {
		return nil, errors.New("preview: mapping store must not be nil")
	}
	if strings.TrimSpace(stackPrefix) == "" {
		stackPrefix = defaultStackPrefix
	}
	return &Router{cfn: cfn, lambda: lambdaAPI, store: store, stackPrefix: stackPrefix}, nil
}

// ExtractPullRequestID recognizes a pr:<digits> token anywhere in text,
// independent of mention position, and strips it. It returns the id (or "")
// and the cleaned text for normal processing.
func ExtractPullRequestID(text string) (string, string) {
	match := directivePattern.FindStringSubmatch(text)
	if match == nil {
		return "", text
	}
	cleaned := directivePattern.ReplaceAllString(text, "")
	return match[1], strings.Join(strings.Fields(cleaned), " ")
}

// RouteEvent forwards an event to its preview backend when a directive or a
// sticky mapping applies. It returns routed=false when the event should be
// processed locally.
func (r *Router) RouteEvent(ctx context.Context, ev domain.Event, eventID, conversationKey string) (bool, error) {
	id, _ := ExtractPullRequestID(ev.Text)
	fromDirective := id != ""
	if id == "" {
		mapped, err := r.store.GetPullRequestMapping(ctx, conversationKey)
		if err != nil {
			// The directive parse already said "no"; a mapping-read outage
			// degrades to local processing rather than blocking the event.
			slog.Warn("preview mapping lookup failed, processing locally",
				"conversation_key", conversationKey, "err", err)
			return false, nil
		}
		id = mapped
	}
	if id == "" {
		return false, nil
	}

	arn, err := r.resolveTarget(ctx, id)
	if err != nil {
		return false, err
	}
	if err := r.forward(ctx, arn, domain.AsyncPayload{
		Event:            &ev,
		EventID:          eventID,
		PullRequestEvent: true,
	}); err != nil {
		return false, err
	}

	if fromDirective {
		if err := r.store.PutPullRequestMapping(ctx, conversationKey, id); err != nil {
			slog.Warn("failed to pin thread to preview environment",
				"conversation_key", conversationKey, "pull_request_id", id, "err", err)
		}
	}
	slog.Info("routed event to preview environment", "event_id", eventID, "pull_request_id", id)
	return true, nil
}

// RouteAction forwards an interaction callback to the preview backend pinned
// to its conversation. It returns routed=false when no mapping exists.
func (r *Router) RouteAction(ctx context.Context, body json.RawMessage, conversationKey string) (bool, error) {
	id, err := r.store.GetPullRequestMapping(ctx, conversationKey)
	if err != nil {
		slog.Warn("preview mapping lookup failed, processing action locally",
			"conversation_key", conversationKey, "err", err)
		return false, nil
	}
	if id == "" {
		return false, nil
	}
	arn, err := r.resolveTarget(ctx, id)
	if err != nil {
		return false, err
	}
	if err := r.forward(ctx, arn, domain.AsyncPayload{
		ActionBody:        body,
		PullRequestAction: true,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// resolveTarget queries the preview stack's outputs for its processor ARN.
func (r *Router) resolveTarget(ctx context.Context, pullRequestID string) (string, error) {
	stackName := r.stackPrefix + pullRequestID
	out, err := r.cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		return "", fmt.Errorf("preview: describe stack %s: %w", stackName, err)
	}
	if out == nil || len(out.Stacks) == 0 {
		return "", fmt.Errorf("preview: stack %s not found", stackName)
	}
	for _, o := range out.Stacks[0].Outputs {
		if aws.ToString(o.OutputKey) == processorOutputKey {
			arn := aws.ToString(o.OutputValue)
			if arn == "" {
				break
			}
			return arn, nil
		}
	}
	return "", fmt.Errorf("preview: stack %s has no %s output", stackName, processorOutputKey)
}

func (r *Router) forward(ctx context.Context, arn string, payload domain.AsyncPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("preview: marshal forward payload: %w", err)
	}
	_, err = r.lambda.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(arn),
		InvocationType: lambdatypes.InvocationTypeEvent,
		Payload:        body,
	})
	if err != nil {
		return fmt.Errorf("preview: forward to %s: %w", arn, err)
	}
	return nil
}
