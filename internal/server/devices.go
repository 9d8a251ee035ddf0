package server

import (
	"context"

	"github.com/pion/mediadevices"

	"shashin/internal/camera"
	"shashin/internal/media/pion"
)

// Device はAPIで返すカメラデバイス
type Device struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Driver  string   `json:"driver"`
	Formats []string `json:"formats,omitempty"`

	Resolutions []camera.Resolution `json:"resolutions,omitempty"`
}

// DeviceLister はデバイス一覧を返す
type DeviceLister func(ctx context.Context) ([]Device, error)

// DiscoveryDevices はcamera.Discoveryでデバイスを列挙する
func DiscoveryDevices(discovery camera.Discovery) DeviceLister {
	return func(ctx context.Context) ([]Device, error) {
		paths, err := discovery.ScanDevices(ctx)
		if err != nil {
			return nil, err
		}
		devices := make([]Device, 0, len(paths))
		for _, path := range paths {
			info, err := discovery.GetDeviceInfo(ctx, path)
			if err != nil {
				// スキャン後に外されたデバイスは飛ばす
				continue
			}
			devices = append(devices, Device{
				ID:      info.Device,
				Name:    info.Name,
				Driver:  info.Driver,
				Formats: info.Formats,

				Resolutions: info.Resolutions,
			})
		}
		return devices, nil
	}
}

// MediaDevices はpion/mediadevicesに登録されたカメラを列挙する
func MediaDevices(platform *pion.Platform) DeviceLister {
	return func(context.Context) ([]Device, error) {
		infos := platform.Devices()
		devices := make([]Device, 0, len(infos))
		for _, info := range infos {
			devices = append(devices, Device{
				ID:     info.DeviceID,
				Name:   info.Label,
				Driver: deviceDriver(info),
			})
		}
		return devices, nil
	}
}

func deviceDriver(info mediadevices.MediaDeviceInfo) string {
	if info.DeviceType != "" {
		return "mediadevices/" + string(info.DeviceType)
	}
	return "mediadevices"
}
