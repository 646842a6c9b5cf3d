package cache

import (
	"net/url"
	"strings"
)

// Key namespaces. Layout recommendation keys nest entity type and layout
// type so that a save can bust one tuple or a whole entity by prefix.
const (
	nsRecommendation = "rec:"
	nsPermissions    = "perm:"
	nsRolePerms      = "perm-role:"
	nsMetadata       = "meta:"
	nsSample         = "sample:"

	globalRole = "*" // never produced by escape
)

// RecommendationKey returns the cache key for one (entityType, layoutType, role) tuple
func RecommendationKey(entityType, layoutType, role string) string {
	return RecommendationPrefix(entityType, layoutType) + roleSegment(role)
}

// RecommendationPrefix returns the key prefix covering every role of a
// (entityType, layoutType) pair. An empty layoutType covers the whole entity.
func RecommendationPrefix(entityType, layoutType string) string {
	if layoutType == "" {
		return nsRecommendation + escape(entityType) + ":"
	}
	return nsRecommendation + escape(entityType) + ":" + escape(layoutType) + ":"
}

// PermissionsKey returns the cache key for a stored user's permission snapshot
func PermissionsKey(principal string) string {
	return nsPermissions + escape(principal)
}

// PrincipalPermissionsKey returns the cache key for the snapshot of a
// principal as presented by its token. Role and admin flag shape the
// snapshot, so they are part of the key.
func PrincipalPermissionsKey(userID, role string, isAdmin bool) string {
	flag := "user"
	if isAdmin {
		flag = "admin"
	}
	return PrincipalPermissionsPrefix(userID) + roleSegment(role) + ":" + flag
}

// PrincipalPermissionsPrefix returns the key prefix covering every principal
// snapshot of userID
func PrincipalPermissionsPrefix(userID string) string {
	return PermissionsKey(userID) + ":"
}

// AllRecommendationsPrefix returns the key prefix covering every cached
// recommendation
func AllRecommendationsPrefix() string {
	return nsRecommendation
}

// RolePermissionsKey returns the cache key for a role's permission snapshot
func RolePermissionsKey(role string) string {
	return nsRolePerms + roleSegment(role)
}

// MetadataKey returns the cache key for an entity metadata snapshot
func MetadataKey(entityType string) string {
	return nsMetadata + escape(entityType)
}

// SampleKey returns the cache key for an entity record sample
func SampleKey(entityType string) string {
	return nsSample + escape(entityType)
}

func roleSegment(role string) string {
	if role == "" {
		return globalRole
	}
	return escape(role)
}

// escape keeps user-supplied segments from introducing separators
func escape(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), ":", "%3A")
}
