package inference

import (
	"context"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/marionette/pkg/chat"
)

const captionPrompt = "Describe this image in one or two concise sentences."

// CaptionClient turns an image into a short text description through a
// multimodal endpoint. It is used to fold image content into retrieval
// queries; it never substitutes for chat-endpoint modality validation.
type CaptionClient struct {
	ep     Endpoint
	client *openai.Client
}

// NewCaptionClient builds the captioning adapter for one endpoint.
func NewCaptionClient(ep Endpoint) *CaptionClient {
	return &CaptionClient{ep: ep, client: ep.client()}
}

// Endpoint returns the endpoint descriptor.
func (c *CaptionClient) Endpoint() Endpoint { return c.ep }

// Caption describes a single image.
func (c *CaptionClient) Caption(ctx context.Context, mime string, data []byte) (string, error) {
	if !c.ep.Supports(chat.ModalityImage) {
		return "", &chat.UnsupportedModalityError{Endpoint: c.ep.Name, Modality: chat.ModalityImage}
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.ep.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: captionPrompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL(mime, data),
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", errors.Wrapf(err, "caption via %s", c.ep.Name)
	}
	if len(resp.Choices) == 0 {
		return "", errors.Errorf("caption via %s: empty response", c.ep.Name)
	}
	return resp.Choices[0].Message.Content, nil
}
