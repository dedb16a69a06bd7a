package broker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsAPI is the subset of SQS the transport uses.
type sqsAPI interface {
	QueueExists(ctx context.Context, queueURL string) error
	SendMessage(ctx context.Context, input *sqsSendInput) error
	ReceiveMessage(ctx context.Context, input *sqsReceiveInput) ([]sqsReceivedMessage, error)
	DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error
	ChangeMessageVisibility(ctx context.Context, queueURL, receiptHandle string, timeout int32) error
}

type sqsSendInput struct {
	QueueURL    string
	MessageBody string
	// Attributes are sent as String message attributes.
	Attributes map[string]string
}

type sqsReceiveInput struct {
	QueueURL            string
	MaxNumberOfMessages int32
	WaitTimeSeconds     int32
	VisibilityTimeout   int32
}

type sqsReceivedMessage struct {
	MessageID     string
	ReceiptHandle string
	Body          string
	ReceiveCount  int
}

// awsSQSClient adapts *sqs.Client to sqsAPI.
type awsSQSClient struct {
	client *sqs.Client
}

func newAWSSQSClient(ctx context.Context, region, endpoint string) (*awsSQSClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &awsSQSClient{client: client}, nil
}

func (c *awsSQSClient) QueueExists(ctx context.Context, queueURL string) error {
	_, err := c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	return err
}

func (c *awsSQSClient) SendMessage(ctx context.Context, input *sqsSendInput) error {
	attrs := make(map[string]types.MessageAttributeValue, len(input.Attributes))
	for k, v := range input.Attributes {
		attrs[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	_, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(input.QueueURL),
		MessageBody:       aws.String(input.MessageBody),
		MessageAttributes: attrs,
	})
	return err
}

func (c *awsSQSClient) ReceiveMessage(ctx context.Context, input *sqsReceiveInput) ([]sqsReceivedMessage, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(input.QueueURL),
		MaxNumberOfMessages: input.MaxNumberOfMessages,
		WaitTimeSeconds:     input.WaitTimeSeconds,
		VisibilityTimeout:   input.VisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, err
	}

	messages := make([]sqsReceivedMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		messages = append(messages, sqsReceivedMessage{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
			ReceiveCount:  count,
		})
	}
	return messages, nil
}

func (c *awsSQSClient) DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return err
}

func (c *awsSQSClient) ChangeMessageVisibility(ctx context.Context, queueURL, receiptHandle string, timeout int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: timeout,
	})
	return err
}
