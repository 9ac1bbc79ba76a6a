package logging

import "github.com/mirrorstats/countme/pkg/humanfmt"

// LogSystemMemory logs total system RAM at the start of a batch phase so
// operators can correlate SQLite cache settings with available memory.
// Silent on platforms without a memory probe.
func LogSystemMemory(phase string) {
	total, ok := totalRAM()
	if !ok {
		return
	}
	log := WithPhase(phase)
	log.Debug().Str("total_ram", humanfmt.Bytes(int64(total))).Msg("system memory")
}
