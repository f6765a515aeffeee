package tape

/*
Options for opening a queue file.
*/

////////////////////////////////////////////////////////////////////////////////

type config struct {
	minimumFileSize int64
	sync            bool
}

// Option is a function that modifies the tape configuration.
type Option func(*config)

// WithMinimumFileSize sets the size a new or cleared file is created with.
// The file never shrinks below it. It must be larger than the file header.
func WithMinimumFileSize(size int64) Option {
	return func(c *config) {
		c.minimumFileSize = size
	}
}

// WithSync makes every committed mutation fsync the file before returning.
func WithSync(sync bool) Option {
	return func(c *config) {
		c.sync = sync
	}
}
