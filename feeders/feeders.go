// Package feeders fills configuration structs from YAML and TOML files,
// prefixed environment variables, struct-tag defaults and launch property
// maps.
package feeders

// Feeder populates a pointer to a struct.
type Feeder interface {
	Feed(structure any) error
}

// KeyFeeder can populate a target from a single top-level key.
type KeyFeeder interface {
	Feeder
	FeedKey(key string, target any) error
}

// FeedAll runs feeders in order; later feeders override earlier ones.
func FeedAll(structure any, feeders ...Feeder) error {
	for _, f := range feeders {
		if err := f.Feed(structure); err != nil {
			return err
		}
	}
	return nil
}
