package pion

import (
	"context"
	"errors"
	"io/fs"
	"syscall"
	"testing"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shashin/internal/media"
)

func TestToMediaStreamConstraints(t *testing.T) {
	c := media.Constraints{
		Video:     true,
		Width:     media.Range{Min: 1024, Ideal: 1280, Max: 1920},
		Height:    media.Range{Min: 576, Ideal: 720, Max: 1080},
		DeviceID:  "/dev/video0",
		FrameRate: 30,
	}

	out := toMediaStreamConstraints(c)
	require.NotNil(t, out.Video)
	assert.Nil(t, out.Audio)

	var mtc mediadevices.MediaTrackConstraints
	out.Video(&mtc)
	assert.Equal(t, prop.IntRanged{Min: 1024, Ideal: 1280, Max: 1920}, mtc.Width)
	assert.Equal(t, prop.IntRanged{Min: 576, Ideal: 720, Max: 1080}, mtc.Height)
	assert.Equal(t, prop.String("/dev/video0"), mtc.DeviceID)
	assert.Equal(t, prop.Float(30), mtc.FrameRate)
}

func TestToMediaStreamConstraints_AudioOnly(t *testing.T) {
	out := toMediaStreamConstraints(media.Constraints{Audio: true})
	assert.Nil(t, out.Video)
	assert.NotNil(t, out.Audio)
}

func TestPlatform_ClassifiesErrors(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		devices  []mediadevices.MediaDeviceInfo
		wantKind media.ErrorKind
	}{
		{
			name:     "権限なし",
			err:      &fs.PathError{Op: "open", Path: "/dev/video0", Err: syscall.EACCES},
			wantKind: media.KindPermissionDenied,
		},
		{
			name:     "使用中",
			err:      &fs.PathError{Op: "open", Path: "/dev/video0", Err: syscall.EBUSY},
			wantKind: media.KindDeviceUnavailable,
		},
		{
			name:     "デバイスなし",
			err:      errors.New("failed to find the best driver that fits the constraints"),
			wantKind: media.KindDeviceNotFound,
		},
		{
			name:     "制約を満たせない",
			err:      errors.New("failed to find the best driver that fits the constraints"),
			devices:  []mediadevices.MediaDeviceInfo{{DeviceID: "cam", Kind: mediadevices.VideoInput}},
			wantKind: media.KindDeviceUnavailable,
		},
		{
			name:     "その他",
			err:      errors.New("boom"),
			wantKind: media.KindUnknown,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := &Platform{
				getUserMedia: func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
					return nil, tc.err
				},
				enumerate: func() []mediadevices.MediaDeviceInfo { return tc.devices },
			}

			_, err := media.Normalize(p).GetUserMedia(context.Background(), media.Constraints{Video: true})
			var acqErr *media.AcquisitionError
			require.ErrorAs(t, err, &acqErr)
			assert.Equal(t, tc.wantKind, acqErr.Kind)
			assert.NotEmpty(t, acqErr.Message)
		})
	}
}

func TestPlatform_CanceledContext(t *testing.T) {
	called := false
	p := &Platform{
		getUserMedia: func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
			called = true
			return nil, nil
		},
		enumerate: func() []mediadevices.MediaDeviceInfo { return nil },
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := media.Normalize(p).GetUserMedia(ctx, media.Constraints{Video: true})
	var acqErr *media.AcquisitionError
	require.ErrorAs(t, err, &acqErr)
	assert.Equal(t, media.KindAborted, acqErr.Kind)
	assert.False(t, called)
}
