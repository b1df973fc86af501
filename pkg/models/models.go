package models

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&Directory{},
		&Path{},
		&Attribute{},
		&User{},
		&Group{},
		&Computer{},
		&CatalogueSetting{},
		&NetworkPolicy{},
		&PasswordPolicy{},
	}
}
