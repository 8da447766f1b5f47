// internal/runtime/image.go
package runtime

import (
	"encoding/base64"
	"fmt"

	"github.com/iflabx/opencane/internal/ingest"
	"github.com/iflabx/opencane/internal/protocol"
	"github.com/iflabx/opencane/internal/session"
)

func imageBytesFromPayload(env *protocol.Envelope) ([]byte, error) {
	b64 := env.String("image_base64", "imageBase64", "image")
	if b64 == "" {
		return nil, fmt.Errorf("image_ready payload missing image data")
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("image_ready payload empty")
	}
	return data, nil
}

func newImageJob(s *session.Session, image []byte, env *protocol.Envelope, traceID string) *ingest.Job {
	return ingest.NewJob(
		s.SessionID,
		s.DeviceID,
		image,
		env.String("mime"),
		env.String("question", "prompt"),
		traceID,
	)
}
