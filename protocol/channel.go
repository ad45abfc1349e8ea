package protocol

import "strings"

const (
	MetaPrefix    = "/meta/"
	ServicePrefix = "/service"

	MetaHandshake    = "/meta/handshake"
	MetaConnect      = "/meta/connect"
	MetaDisconnect   = "/meta/disconnect"
	MetaSubscribe    = "/meta/subscribe"
	MetaUnsubscribe  = "/meta/unsubscribe"
	MetaPublish      = "/meta/publish"
	MetaUnsuccessful = "/meta/unsuccessful"
)

const channelPunctuation = " !#$()*+-./@_{~}"

// ValidChannel reports whether name is a syntactically valid channel: at
// least two characters, a leading slash, then only ASCII letters, digits
// and the punctuation in channelPunctuation.
func ValidChannel(name string) bool {
	if len(name) < 2 || name[0] != '/' {
		return false
	}
	for i := 1; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			continue
		case strings.IndexByte(channelPunctuation, ch) >= 0:
			continue
		default:
			return false
		}
	}
	return true
}

func IsMeta(channel string) bool {
	return strings.HasPrefix(channel, MetaPrefix)
}

func IsService(channel string) bool {
	return strings.HasPrefix(channel, ServicePrefix+"/")
}

// ServiceChannel maps a remote call target such as "foo" or "/foo" to
// "/service/foo".
func ServiceChannel(target string) string {
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return ServicePrefix + target
}

// Globs returns the wildcard channels that match channel, in notification
// order. For /a/b/c that is /a/b/*, /a/b/**, /a/** and /**.
func Globs(channel string) []string {
	parts := strings.Split(channel, "/")
	last := len(parts) - 1
	var globs []string
	for i := last; i > 0; i-- {
		prefix := strings.Join(parts[:i], "/")
		if i == last {
			globs = append(globs, prefix+"/*")
		}
		globs = append(globs, prefix+"/**")
	}
	return globs
}
