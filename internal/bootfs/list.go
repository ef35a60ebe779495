package bootfs

// Entry describes one installed platform image for the list command.
type Entry struct {
	Stamp      string
	HasBoot    bool // a boot-<stamp> directory exists
	ActiveNow  bool // target of the platform pointer
	ActiveNext bool // stamp recorded as the next booting boot image
}

// List returns one entry per installed platform stamp, newest first,
// annotated with its activation state.
func List(fs FS) ([]Entry, error) {
	stamps, err := fs.PlatformStamps()
	if err != nil {
		return nil, err
	}
	activePlat, err := fs.ActivePlatform()
	if err != nil {
		return nil, err
	}
	// The boot pointer is resolved too so a corrupt boot link surfaces on
	// read, even though marking uses the recorded stamp.
	if _, err := fs.ActiveBoot(); err != nil {
		return nil, err
	}
	recorded, err := fs.RecordedBootStamp()
	if err != nil {
		return nil, err
	}
	bootStamps, err := fs.BootStamps()
	if err != nil {
		return nil, err
	}
	withBoot := make(map[string]bool, len(bootStamps))
	for _, b := range bootStamps {
		withBoot[b] = true
	}

	entries := make([]Entry, 0, len(stamps))
	for i := len(stamps) - 1; i >= 0; i-- {
		stamp := stamps[i]
		hasBoot := withBoot[stamp]
		entries = append(entries, Entry{
			Stamp:      stamp,
			HasBoot:    hasBoot,
			ActiveNow:  stamp == activePlat,
			ActiveNext: hasBoot && stamp == recorded,
		})
	}
	return entries, nil
}
