package profiles

func boolPtr(v bool) *bool { return &v }

func testRegistry(slug string, profiles ...*Profile) *ProfileRegistry {
	reg := &ProfileRegistry{
		Slug:     MustRegistrySlug(slug),
		Profiles: map[ProfileSlug]*Profile{},
	}
	for _, p := range profiles {
		reg.Profiles[p.Slug] = p
		if reg.DefaultProfileSlug.IsZero() {
			reg.DefaultProfileSlug = p.Slug
		}
	}
	return reg
}

func testProfile(slug, prompt string) *Profile {
	return &Profile{
		Slug: MustProfileSlug(slug),
		Runtime: RuntimeSpec{
			EngineName:   "echo",
			EngineConfig: map[string]any{"reply": "READY"},
			SystemPrompt: prompt,
			Middlewares:  []MiddlewareUse{{Name: "logging", Config: map[string]any{"level": "debug"}}},
			Tools:        []string{"calc"},
		},
	}
}
