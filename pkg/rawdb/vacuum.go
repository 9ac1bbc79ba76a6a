package rawdb

import (
	"fmt"

	"github.com/mirrorstats/countme/pkg/atomicfile"
	"github.com/mirrorstats/countme/pkg/logging"
)

// SuperVacuum compacts the raw store by dumping every row into a freshly
// created store and atomically swapping it in. Unlike an in-place VACUUM
// this rebuilds the file from nothing, reclaiming all space left over from
// a bulk-ingestion burst. Run between batches, never mid-ingestion.
func SuperVacuum(path string) (changed bool, err error) {
	log := logging.WithPhase("vacuum")
	logging.LogSystemMemory("vacuum")

	changed, err = atomicfile.Replace(path, func(scratch string) error {
		src, err := OpenReadOnly(path)
		if err != nil {
			return err
		}
		defer src.Close()

		dst, err := Open(scratch)
		if err != nil {
			return err
		}

		n, err := src.CopyAllTo(dst)
		if err != nil {
			dst.Close()
			return err
		}
		if err := dst.WriteIndex(); err != nil {
			dst.Close()
			return err
		}
		if err := dst.Close(); err != nil {
			return fmt.Errorf("close rebuilt store: %w", err)
		}

		log.Info().Int64("events", n).Str("path", path).Msg("rebuilt raw store")
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("super-vacuum %s: %w", path, err)
	}
	return changed, nil
}
