package schema

import "context"

// Store is a persistent side cache for schema metadata, shared between
// processes talking to the same record server. Implementations are expected
// to scope their keys by server identity.
type Store interface {
	Types(ctx context.Context) ([]string, error)
	AddType(ctx context.Context, entityType string) error
	TypeDetails(ctx context.Context, entityType string) (EntityTypeDescriptor, bool, error)
	SetTypeDetails(ctx context.Context, details EntityTypeDescriptor) error

	Fields(ctx context.Context, entityType string) ([]string, error)
	AddField(ctx context.Context, entityType, field string) error
	FieldDetails(ctx context.Context, entityType, field string) (FieldDescriptor, bool, error)
	SetFieldDetails(ctx context.Context, entityType string, details FieldDescriptor) error

	DeleteAll(ctx context.Context) error
}
