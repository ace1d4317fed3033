package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awscloudformation "github.com/aws/aws-sdk-go-v2/service/cloudformation"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/slack-go/slack"

	"epsam-assistant/handler"
	"epsam-assistant/internal/dispatch"
	"epsam-assistant/internal/feedback"
	"epsam-assistant/internal/gate"
	"epsam-assistant/internal/integrations/answers"
	"epsam-assistant/internal/integrations/paramstore"
	"epsam-assistant/internal/integrations/slackclient"
	"epsam-assistant/internal/preview"
	"epsam-assistant/internal/repository"
	"epsam-assistant/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	answersURL := mustEnv("ANSWERS_API_URL")
	processorFunction := mustEnv("PROCESSOR_FUNCTION")
	previewStackPrefix := envStr("PREVIEW_STACK_PREFIX", "epsam-pr-")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	lambdaClient := awslambda.NewFromConfig(cfg)

	botToken, err := ssmClient.GetParameter(ctx, paramPrefix+"/slack-bot-token")
	if err != nil {
		slog.Error("failed to load Slack bot token", "err", err)
		os.Exit(1)
	}
	slackAPI, err := slackclient.New(slack.New(botToken))
	if err != nil {
		slog.Error("failed to create Slack client", "err", err)
		os.Exit(1)
	}

	answersClient, err := answers.NewClient(ssmClient, answersURL, paramPrefix)
	if err != nil {
		slog.Error("failed to create answers client", "err", err)
		os.Exit(1)
	}

	// ---- Components ----
	eventGate, err := gate.New(stateClient)
	if err != nil {
		slog.Error("failed to create event gate", "err", err)
		os.Exit(1)
	}
	dispatcher, err := dispatch.New(lambdaClient, processorFunction)
	if err != nil {
		slog.Error("failed to create dispatcher", "err", err)
		os.Exit(1)
	}
	router, err := preview.New(awscloudformation.NewFromConfig(cfg), lambdaClient, stateClient, previewStackPrefix)
	if err != nil {
		slog.Error("failed to create preview router", "err", err)
		os.Exit(1)
	}
	lifecycle, err := feedback.New(stateClient, slackAPI)
	if err != nil {
		slog.Error("failed to create feedback manager", "err", err)
		os.Exit(1)
	}
	processor, err := usecase.NewProcessor(slackAPI, answersClient, stateClient, lifecycle)
	if err != nil {
		slog.Error("failed to create processor", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(eventGate, dispatcher, router, processor)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envStr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
