package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/joho/godotenv"

	"meshshare/internal/config"
	"meshshare/internal/subscriptions"
	"meshshare/internal/utils/logger"
)

func main() {
	logger := logger.New("meshshare")

	// check if .env file exists
	if _, err := os.Stat(".env"); os.IsNotExist(err) {
		logger.Info("No .env file found, skipping environment variable loading")
	} else {
		logger.Info("Loading environment variables from .env file")
		if err := godotenv.Load(); err != nil {
			log.Fatalf("Failed to load environment variables: %v", err)
		}
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Build the AWS config from externally supplied credentials; the tracker
	// never acquires credentials on its own
	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
		awsconfig.WithRetryMode(aws.RetryModeStandard),
		awsconfig.WithRetryMaxAttempts(3),
	}
	if cfg.AWS.AccessKey != "" && cfg.AWS.SecretKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AWS.AccessKey,
			cfg.AWS.SecretKey,
			cfg.AWS.SessionToken,
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		log.Fatalf("Unable to load SDK config: %v", err)
	}

	// Initialize the tracker; this provisions the subscriptions table when it
	// does not exist yet and is safe to race with other processes
	tracker, err := subscriptions.New(ctx, awsCfg, cfg.Tracker)
	if err != nil {
		log.Fatalf("Failed to initialize subscription tracker: %v", err)
	}

	endpoints := tracker.Endpoints()
	logger.Success("Subscription tracker ready")
	logger.Info("Table: %s", endpoints.TableArn)
	logger.Info("Stream: %s", endpoints.StreamArn)
}
