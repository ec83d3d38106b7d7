package sampler

// Options tunes where the sampler reads host counters from. The zero value
// reads the live system; tests point ProcPath at fixture directories.
type Options struct {
	// ProcPath is the procfs mount, default /proc.
	ProcPath string
	// RootMount is the primary volume used for the headline disk
	// percentage, default /.
	RootMount string
	// Fingerprint is included verbatim in the Identity payload.
	Fingerprint string
	// PublicIPURL overrides the public IP lookup endpoint. Set
	// DisablePublicIP to skip the lookup entirely.
	PublicIPURL     string
	DisablePublicIP bool
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.ProcPath == "" {
		opts.ProcPath = "/proc"
	}
	if opts.RootMount == "" {
		opts.RootMount = "/"
	}
	if opts.PublicIPURL == "" {
		opts.PublicIPURL = defaultPublicIPURL
	}
	if opts.DisablePublicIP {
		opts.PublicIPURL = ""
	}
	return opts
}
