package notes

// Resolve reconciles a local note with an incoming update. A higher version
// wins; at equal versions the later UpdatedAt wins; otherwise local is kept.
// The boolean reports whether the remote side was accepted.
func Resolve(local Note, remote Update) (Note, bool) {
	acceptRemote := false
	switch {
	case remote.Version > local.Version:
		acceptRemote = true
	case remote.Version < local.Version:
		acceptRemote = false
	default:
		acceptRemote = remote.UpdatedAt.After(local.UpdatedAt)
	}

	if !acceptRemote {
		return local.Clone(), false
	}

	resolved := local.Clone()
	if remote.Title != nil {
		resolved.Title = *remote.Title
	}
	if remote.Content != nil {
		resolved.Content = *remote.Content
	}
	resolved.UpdatedAt = remote.UpdatedAt
	resolved.Version = remote.Version
	resolved.LastEditBy = remote.UserID
	return resolved, true
}
