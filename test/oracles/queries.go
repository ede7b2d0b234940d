package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_pending_per_principal",
			SQL: `SELECT user_id, COUNT(*) FROM agent_applications
                  WHERE status = 'pending'
                  GROUP BY user_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_approved_without_agent_role",
			SQL: `SELECT a.id, a.user_id FROM agent_applications a
                  WHERE a.status = 'approved'
                    AND NOT EXISTS (SELECT 1 FROM user_roles r WHERE r.user_id = a.user_id AND r.role = 'agent')`,
		},
		{
			Name: "O3_approved_without_grant_stamp",
			SQL: `SELECT id, user_id, reviewed_at FROM agent_applications
                  WHERE status = 'approved' AND role_granted_at IS NULL`,
		},
		{
			Name: "O4_agent_without_approval",
			SQL: `SELECT r.user_id FROM user_roles r
                  WHERE r.role = 'agent'
                    AND NOT EXISTS (SELECT 1 FROM agent_applications a WHERE a.user_id = r.user_id AND a.status = 'approved')`,
		},
		{
			Name: "O5_review_without_reviewer",
			SQL: `SELECT id, status FROM agent_applications
                  WHERE status <> 'pending' AND (reviewed_by IS NULL OR reviewed_at IS NULL)`,
		},
		{
			Name: "O6_principal_without_user_role",
			SQL: `SELECT u.id FROM users u
                  WHERE NOT EXISTS (SELECT 1 FROM user_roles r WHERE r.user_id = u.id AND r.role = 'user')
                     OR NOT EXISTS (SELECT 1 FROM profiles p WHERE p.user_id = u.id)`,
		},
		{
			Name: "O7_review_without_event",
			SQL: `SELECT a.id FROM agent_applications a
                  WHERE a.status <> 'pending'
                    AND NOT EXISTS (
                        SELECT 1 FROM outbox o
                        WHERE o.topic IN ('agent_application.approved', 'agent_application.rejected')
                          AND o.payload ->> 'application_id' = a.id::text)`,
		},
		{
			Name: "O8_outbox_stale",
			SQL: `SELECT id, topic FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
