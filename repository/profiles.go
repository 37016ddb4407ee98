package repository

import (
	"context"

	"prism-dashboard/domain"
	"prism-dashboard/gateway"
)

func (r *Repository) ProfileByID(ctx context.Context, id string) (domain.Profile, error) {
	row, err := r.one(ctx, "profile", gateway.Profiles, id)
	if err != nil {
		return domain.Profile{}, err
	}
	return decodeRow[domain.Profile](row)
}

// ProfilesByIDs resolves ids with a single query. Unknown ids are skipped.
func (r *Repository) ProfilesByIDs(ctx context.Context, ids []string) ([]domain.Profile, error) {
	ids = unique(ids)
	if len(ids) == 0 {
		return []domain.Profile{}, nil
	}
	rows, err := r.list(ctx, gateway.Profiles, gateway.Query{Filter: gateway.Where(gateway.In("id", ids...))})
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Profile](rows)
}

func (r *Repository) profileIndex(ctx context.Context, ids []string) (map[string]domain.Profile, error) {
	profiles, err := r.ProfilesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	index := make(map[string]domain.Profile, len(profiles))
	for _, p := range profiles {
		index[p.ID] = p
	}
	return index, nil
}

func (r *Repository) AllProfiles(ctx context.Context) ([]domain.Profile, error) {
	rows, err := r.list(ctx, gateway.Profiles, gateway.Query{Order: []gateway.Order{gateway.Asc("full_name")}})
	if err != nil {
		return nil, err
	}
	return decodeRows[domain.Profile](rows)
}

// CurrentProfile returns nil without querying when no user is signed in.
func (r *Repository) CurrentProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	if userID == "" {
		return nil, nil
	}
	p, err := r.ProfileByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// EnsureProfile creates the profile of a signed in user, refreshing name and
// email when they are provided.
func (r *Repository) EnsureProfile(ctx context.Context, userID, name, email string) (domain.Profile, error) {
	if err := requireUser("ensure_profile", gateway.Profiles, userID); err != nil {
		return domain.Profile{}, err
	}
	row := patchRow{"id": userID}
	if name != "" {
		row["full_name"] = name
	}
	if email != "" {
		row["email"] = email
	}
	out, err := r.gw.Upsert(ctx, gateway.Profiles, gateway.Row(row))
	if err != nil {
		return domain.Profile{}, err
	}
	return decodeRow[domain.Profile](out)
}

func (r *Repository) UpdateProfile(ctx context.Context, id string, patch domain.ProfilePatch) (domain.Profile, error) {
	row := patchRow{}
	row.set("full_name", patch.FullName)
	row.set("avatar_url", patch.AvatarURL)
	row.set("phone", patch.Phone)
	row.set("role", patch.Role)
	row.set("department", patch.Department)
	out, err := r.gw.Update(ctx, gateway.Profiles, id, gateway.Row(row))
	if err != nil {
		return domain.Profile{}, err
	}
	return decodeRow[domain.Profile](out)
}
