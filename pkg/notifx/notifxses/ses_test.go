package notifxses_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abraxas-365/jobq/pkg/errx"
	"github.com/Abraxas-365/jobq/pkg/notifx"
	"github.com/Abraxas-365/jobq/pkg/notifx/notifxses"
)

type fakeSES struct {
	inputs []*ses.SendEmailInput
	err    error
}

func (f *fakeSES) SendEmail(_ context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("m-1")}, nil
}

func TestSESProvider_SendEmail(t *testing.T) {
	client := &fakeSES{}
	p := notifxses.NewSESProvider(client, "jobq@example.com")

	err := p.SendEmail(context.Background(), notifx.EmailMessage{
		To:       []string{"ops@example.com"},
		ReplyTo:  "noreply@example.com",
		Subject:  "claim failed",
		TextBody: "text",
		HTMLBody: "<p>html</p>",
	}, notifx.WithConfigID("alerts"), notifx.WithTags(map[string]string{"queue": "default", "kind": "claim_failed"}))
	require.NoError(t, err)
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "jobq@example.com", aws.ToString(in.Source))
	assert.Equal(t, []string{"ops@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, []string{"noreply@example.com"}, in.ReplyToAddresses)
	assert.Equal(t, "claim failed", aws.ToString(in.Message.Subject.Data))
	assert.Equal(t, "text", aws.ToString(in.Message.Body.Text.Data))
	assert.Equal(t, "<p>html</p>", aws.ToString(in.Message.Body.Html.Data))
	assert.Equal(t, "alerts", aws.ToString(in.ConfigurationSetName))
	require.Len(t, in.Tags, 2)
	assert.Equal(t, "kind", aws.ToString(in.Tags[0].Name))
	assert.Equal(t, "queue", aws.ToString(in.Tags[1].Name))
}

func TestSESProvider_MessageSenderWins(t *testing.T) {
	client := &fakeSES{}
	p := notifxses.NewSESProvider(client, "jobq@example.com")

	require.NoError(t, p.SendEmail(context.Background(), notifx.EmailMessage{
		From:     "other@example.com",
		To:       []string{"ops@example.com"},
		Subject:  "s",
		TextBody: "t",
	}))
	assert.Equal(t, "other@example.com", aws.ToString(client.inputs[0].Source))
	assert.Nil(t, client.inputs[0].Message.Body.Html)
	assert.Nil(t, client.inputs[0].Tags)
}

func TestSESProvider_Error(t *testing.T) {
	p := notifxses.NewSESProvider(&fakeSES{err: assert.AnError}, "jobq@example.com")

	err := p.SendEmail(context.Background(), notifx.EmailMessage{To: []string{"ops@example.com"}, Subject: "s"})
	require.Error(t, err)
	assert.True(t, errx.IsCode(err, notifxses.ErrSendFailed))
	assert.ErrorIs(t, err, assert.AnError)
}
