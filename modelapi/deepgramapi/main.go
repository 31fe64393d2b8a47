// Package deepgramapi transcribes voice notes so spoken questions can flow
// through the same Q&A pipeline as typed ones.
package deepgramapi

import (
	"bytes"
	"context"
	"fitcoachdev/logger"
	"fmt"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
	"go.uber.org/zap"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type DeepgramAPI struct {
	logger *logger.LogMiddleware
	dg     *api.Client
}

type DeepgramConnectProps struct {
	Logger *logger.LogMiddleware
}

func Connect(args DeepgramConnectProps) *DeepgramAPI {
	c := client.NewRESTWithDefaults()
	return &DeepgramAPI{logger: args.Logger, dg: api.New(c)}
}

// Transcribe turns a recorded voice note into text. An empty transcript is
// an error: the caller should ask the user to repeat, not forward silence
// to the generation pipeline.
func (d *DeepgramAPI) Transcribe(ctx context.Context, audioData []byte) (string, error) {
	tracer := otel.Tracer("deepgramapi/Transcribe")
	ctx, span := tracer.Start(ctx, "Transcribe")
	defer span.End()

	span.SetAttributes(attribute.Int("audio.data.size", len(audioData)))
	log := d.logger.Logger(ctx)

	options := &interfaces.PreRecordedTranscriptionOptions{
		Punctuate:  true,
		Language:   "multi",
		Utterances: true,
		Model:      "nova-3",
	}

	res, err := d.dg.FromStream(ctx, bytes.NewReader(audioData), options)
	if err != nil {
		log.Error("[DeepgramAPI] Voice transcription failed", zap.Error(err))
		span.RecordError(err)
		return "", fmt.Errorf("voice transcription failed: %w", err)
	}

	if res != nil && res.Results != nil && len(res.Results.Channels) > 0 {
		channel := res.Results.Channels[0]
		if len(channel.Alternatives) > 0 && channel.Alternatives[0].Transcript != "" {
			transcript := channel.Alternatives[0].Transcript
			log.Info("[DeepgramAPI] Voice note transcribed",
				zap.Int("transcript_length", len(transcript)))
			return transcript, nil
		}
	}

	log.Warn("[DeepgramAPI] No transcript in response")
	return "", fmt.Errorf("no transcript in response")
}
