package notify

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatline/pkg/api"
	"github.com/go-go-golems/chatline/pkg/model"
)

type ImageUploader interface {
	UploadImage(ctx context.Context, f api.File) (model.ImageMetadata, error)
}

// UploadImages uploads every file in its own request, concurrently. Failed
// files are logged and skipped; the result keeps input order of the successes.
func UploadImages(ctx context.Context, up ImageUploader, files []api.File) []model.ImageMetadata {
	results := make([]*model.ImageMetadata, len(files))
	var g errgroup.Group
	g.SetLimit(4)
	for i, f := range files {
		g.Go(func() error {
			img, err := up.UploadImage(ctx, f)
			if err != nil {
				log.Error().Err(err).Str("component", "notify").Str("file", f.Name).Msg("image upload failed")
				return nil
			}
			results[i] = &img
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.ImageMetadata, 0, len(files))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}
