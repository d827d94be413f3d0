package storage

// Logical keys for the application datasets.
const (
	KeyUserData          = "user_data"
	KeyDiary             = "diary"
	KeyActivities        = "activities"
	KeyUnits             = "units"
	KeyProductsDB        = "products_db"
	KeyProductsDBVersion = "products_db_version"
)

// LegacyKeys are the keys that predate per-user scoping. They are stored
// unscoped so data written before scoping existed stays reachable.
var LegacyKeys = [...]string{
	KeyUserData,
	KeyDiary,
	KeyActivities,
	KeyUnits,
	KeyProductsDB,
	KeyProductsDBVersion,
}

// IsLegacyKey reports whether key is in LegacyKeys.
func IsLegacyKey(key string) bool {
	for _, k := range LegacyKeys {
		if k == key {
			return true
		}
	}

	return false
}

// ResolveKey returns the physical key for logicalKey. Legacy keys are
// returned unchanged; any other key gets "_<userID>" appended when the
// user id is known.
func ResolveKey(logicalKey, userID string) string {
	if IsLegacyKey(logicalKey) || userID == "" {
		return logicalKey
	}

	return logicalKey + "_" + userID
}
