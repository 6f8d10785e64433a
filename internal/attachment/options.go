package attachment

// Options controls where and how an attachment is stored. Unset fields fall
// through to the next layer when resolved: column options, then the global
// configuration, then DefaultOptions.
type Options struct {
	Disk          string
	Folder        string
	Rename        *bool
	Meta          *bool
	PreComputeURL *bool
	Variants      []string
}

// DefaultOptions are the library defaults, the lowest precedence layer.
func DefaultOptions() Options {
	return Options{
		Folder:        "uploads",
		Rename:        Bool(true),
		Meta:          Bool(true),
		PreComputeURL: Bool(false),
	}
}

// Bool returns a pointer to b, for use in Options literals.
func Bool(b bool) *bool {
	return &b
}

// Merge returns o with every field set in over replacing its counterpart.
func (o Options) Merge(over Options) Options {
	if over.Disk != "" {
		o.Disk = over.Disk
	}
	if over.Folder != "" {
		o.Folder = over.Folder
	}
	if over.Rename != nil {
		o.Rename = over.Rename
	}
	if over.Meta != nil {
		o.Meta = over.Meta
	}
	if over.PreComputeURL != nil {
		o.PreComputeURL = over.PreComputeURL
	}
	if over.Variants != nil {
		o.Variants = append([]string(nil), over.Variants...)
	}
	return o
}

// Resolve layers options from lowest to highest precedence on top of the
// library defaults.
func Resolve(layers ...Options) Options {
	o := DefaultOptions()
	for _, l := range layers {
		o = o.Merge(l)
	}
	return o
}

func (o Options) RenameEnabled() bool {
	return o.Rename == nil || *o.Rename
}

func (o Options) MetaEnabled() bool {
	return o.Meta == nil || *o.Meta
}

func (o Options) PreComputeURLEnabled() bool {
	return o.PreComputeURL != nil && *o.PreComputeURL
}

// WantsVariant reports whether key is one of the configured variants.
func (o Options) WantsVariant(key string) bool {
	for _, v := range o.Variants {
		if v == key {
			return true
		}
	}
	return false
}
