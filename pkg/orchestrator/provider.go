package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/looplab/loopcore/pkg/models"
)

// RoomProvider is the boundary to the external conferencing capability.
// The orchestrator treats it as an opaque room acquire/release facility and
// never depends on the underlying media transport.
type RoomProvider interface {
	AcquireRoom(ctx context.Context, meetingID string) (*models.RoomHandle, error)
	ReleaseRoom(ctx context.Context, handle models.RoomHandle) error
}

// JitsiProvider derives room handles for a Jitsi deployment. Jitsi rooms
// are created implicitly when the first participant opens the URL, so
// acquisition composes a collision-free room URL.
type JitsiProvider struct {
	BaseURL string
}

// NewJitsiProvider creates a provider rooted at baseURL
func NewJitsiProvider(baseURL string) *JitsiProvider {
	return &JitsiProvider{BaseURL: strings.TrimRight(baseURL, "/")}
}

// AcquireRoom implements RoomProvider
func (p *JitsiProvider) AcquireRoom(ctx context.Context, meetingID string) (*models.RoomHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	roomID := uuid.New().String()
	return &models.RoomHandle{
		ID:         roomID,
		MeetingID:  meetingID,
		URL:        fmt.Sprintf("%s/looplab-%s", p.BaseURL, roomID),
		AcquiredAt: time.Now().UTC(),
	}, nil
}

// ReleaseRoom implements RoomProvider. Jitsi tears rooms down when the last
// participant leaves; there is nothing to release server-side.
func (p *JitsiProvider) ReleaseRoom(ctx context.Context, handle models.RoomHandle) error {
	return nil
}
