package queue

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQSSender struct {
	inputs []*sqs.SendMessageInput
}

func (f *fakeSQSSender) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSClientSendsEncodedBody(t *testing.T) {
	fake := &fakeSQSSender{}
	client := &SQSClient{client: fake, queueURL: "https://sqs.local/q"}

	require.NoError(t, client.Send(context.Background(), Message{DocumentID: "doc-1", DocumentVersion: 2, Version: MessageVersion}))

	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "https://sqs.local/q", aws.ToString(fake.inputs[0].QueueUrl))
	msg, err := DecodeMessage([]byte(aws.ToString(fake.inputs[0].MessageBody)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), msg.DocumentVersion)
}

func TestNewSQSClientRequiresURL(t *testing.T) {
	_, err := NewSQSClient(context.Background(), " ", "us-east-1")
	assert.Error(t, err)
}
