package atomicfile

// SetDirSync replaces the directory fsync of f.
func SetDirSync(f *File, fn func(dir string) error) { f.syncDir = fn }
