package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

const DefaultAvatarSize = 200

// GetGravatarURL returns the Gravatar image for email, falling back to the
// "mystery person" placeholder. Sizes below one use DefaultAvatarSize.
func GetGravatarURL(email string, size int) string {
	if size <= 0 {
		size = DefaultAvatarSize
	}
	hash := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return fmt.Sprintf("https://www.gravatar.com/avatar/%x?s=%d&d=mp", hash, size)
}

// AvatarFor prefers a provider supplied avatar over the Gravatar of email.
// Synthetic OAuth addresses get no avatar.
func AvatarFor(providerAvatar, email string) string {
	if providerAvatar != "" {
		return providerAvatar
	}
	if email == "" || strings.HasSuffix(email, ".oauth.local") {
		return ""
	}
	return GetGravatarURL(email, DefaultAvatarSize)
}
