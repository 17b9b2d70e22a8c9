package imager

import (
	"context"

	"github.com/astigmatism/benchd/internal/events"
	"github.com/astigmatism/benchd/internal/opqueue"
	"github.com/astigmatism/benchd/internal/progressparse"
)

// EnqueueWriteImageToDevice enqueues a write_image_to_device op on queue:
// resolves <cwd>/<imageName>.img against root, then streams the configured
// write script's progress as KindProgress events tagged with deviceID.
func (s *Service) EnqueueWriteImageToDevice(queue *opqueue.Queue, deviceID, cwd, imageName, devicePath string) (*opqueue.Handle, error) {
	imagePath, err := s.fs.ImagePath(cwd, imageName)
	if err != nil {
		return nil, err
	}
	return queue.Enqueue("write_image_to_device", func(ctx context.Context, cell *opqueue.CancelCell) error {
		if err := cell.Check(); err != nil {
			return err
		}
		return s.WriteImageToDevice(ctx, cell, imagePath, devicePath, s.progressEmitter(deviceID))
	}, map[string]string{"image": imageName, "device_path": devicePath})
}

// EnqueueReadDeviceToImage enqueues a read_device_to_image op on queue:
// resolves <destDir>/<destName>.img against root (rejecting unsafe names),
// then streams the configured read script's progress.
func (s *Service) EnqueueReadDeviceToImage(queue *opqueue.Queue, deviceID, devicePath, destDir, destName string) (*opqueue.Handle, error) {
	destPath, err := s.fs.DestImagePath(destDir, destName)
	if err != nil {
		return nil, err
	}
	return queue.Enqueue("read_device_to_image", func(ctx context.Context, cell *opqueue.CancelCell) error {
		if err := cell.Check(); err != nil {
			return err
		}
		return s.ReadDeviceToImage(ctx, cell, devicePath, destPath, s.progressEmitter(deviceID))
	}, map[string]string{"device_path": devicePath, "dest": destName})
}

func (s *Service) progressEmitter(deviceID string) ProgressFunc {
	return func(sample progressparse.Sample, avg float64) {
		s.sink.Emit(context.Background(), events.Event{
			Kind:     events.KindProgress,
			DeviceID: deviceID,
			Data: map[string]any{
				"bytes_done":  sample.BytesDone,
				"bytes_total": sample.BytesTotal,
				"pct":         sample.Pct,
				"avg_bytes_per_sec": avg,
			},
		})
	}
}
