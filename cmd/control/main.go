package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/pellenbrig/aegis/internal/crypto"
)

// Operational CLI for tasks the API deliberately has no endpoint for:
// bootstrapping the first administrator, emergency password resets, and
// quick account diagnostics.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: control <command> [args]")
		fmt.Println("Commands:")
		fmt.Println("  create-user     Create a verified, active user")
		fmt.Println("  assign-role     Assign a role to a user by name")
		fmt.Println("  check-user      Show a user's status and roles")
		fmt.Println("  reset-password  Overwrite a user's password")
		os.Exit(1)
	}

	switch cmd := os.Args[1]; cmd {
	case "create-user":
		createUserCmd()
	case "assign-role":
		assignRoleCmd()
	case "check-user":
		checkUserCmd()
	case "reset-password":
		resetPasswordCmd()
	default:
		log.Fatalf("Unknown command: %s", cmd)
	}
}

func connect() *pgxpool.Pool {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is not set")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	return pool
}

func createUserCmd() {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	email := fs.String("email", "", "User email")
	password := fs.String("password", "", "Initial password")
	role := fs.String("role", "", "Role name to assign immediately (e.g. SUPER_ADMIN)")
	fs.Parse(os.Args[2:])

	if *email == "" || *password == "" {
		fmt.Println("Error: --email and --password are required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	pool := connect()
	defer pool.Close()
	ctx := context.Background()

	hash, err := argon2id.CreateHash(*password, crypto.DefaultParams())
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	// CLI-created accounts skip email verification: they exist precisely
	// because no registration flow is exposed.
	userID := uuid.New()
	now := time.Now().UTC()
	_, err = pool.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, status, email_verified_at, password_changed_at, created_at, updated_at)
		VALUES ($1, lower($2), $3, 'ACTIVE', $4, $4, $4, $4)`,
		userID, *email, hash, now)
	if err != nil {
		log.Fatalf("❌ Failed to create user: %v", err)
	}

	fmt.Printf("✅ User created: %s (%s)\n", *email, userID)

	if *role != "" {
		assignRole(ctx, pool, *email, *role)
	}
}

func assignRoleCmd() {
	fs := flag.NewFlagSet("assign-role", flag.ExitOnError)
	email := fs.String("email", "", "User email")
	role := fs.String("role", "", "Role name (e.g. SUPER_ADMIN)")
	fs.Parse(os.Args[2:])

	if *email == "" || *role == "" {
		fmt.Println("Error: --email and --role are required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	pool := connect()
	defer pool.Close()
	assignRole(context.Background(), pool, *email, *role)
}

func assignRole(ctx context.Context, pool *pgxpool.Pool, email, roleName string) {
	var userID uuid.UUID
	err := pool.QueryRow(ctx, `SELECT id FROM users WHERE lower(email) = lower($1)`, email).Scan(&userID)
	if err != nil {
		log.Fatalf("❌ User not found: %v", err)
	}

	var roleID uuid.UUID
	err = pool.QueryRow(ctx, `SELECT id FROM roles WHERE name = $1 AND organization_id IS NULL`, roleName).Scan(&roleID)
	if err != nil {
		log.Fatalf("❌ Role not found: %v", err)
	}

	var exists bool
	err = pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_roles
			WHERE user_id = $1 AND role_id = $2 AND revoked_at IS NULL
			AND (expires_at IS NULL OR expires_at > now())
		)`, userID, roleID).Scan(&exists)
	if err != nil {
		log.Fatalf("❌ Assignment lookup failed: %v", err)
	}
	if exists {
		fmt.Printf("⚠️  %s already holds %s\n", email, roleName)
		return
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO user_roles (id, user_id, role_id, granted_at, reason)
		VALUES ($1, $2, $3, now(), 'control CLI')`,
		uuid.New(), userID, roleID)
	if err != nil {
		log.Fatalf("❌ Failed to assign role: %v", err)
	}

	// The materialised effective-permission rows are stale now; drop them
	// so the next check recomputes.
	if _, err := pool.Exec(ctx, `DELETE FROM effective_permissions_cache WHERE user_id = $1`, userID); err != nil {
		fmt.Printf("⚠️  Could not clear permission cache: %v\n", err)
	}

	fmt.Printf("✅ Role %s assigned to %s\n", roleName, email)
}

func checkUserCmd() {
	fs := flag.NewFlagSet("check-user", flag.ExitOnError)
	email := fs.String("email", "", "User email")
	fs.Parse(os.Args[2:])

	if *email == "" {
		fmt.Println("Error: --email is required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	pool := connect()
	defer pool.Close()
	ctx := context.Background()

	var (
		userID     uuid.UUID
		status     string
		verifiedAt *time.Time
	)
	err := pool.QueryRow(ctx, `
		SELECT id, status, email_verified_at FROM users WHERE lower(email) = lower($1)`,
		*email).Scan(&userID, &status, &verifiedAt)
	if err != nil {
		log.Fatalf("❌ User not found: %v", err)
	}

	fmt.Printf("✅ User Found\n")
	fmt.Printf("ID:     %s\n", userID)
	fmt.Printf("Email:  %s\n", *email)
	fmt.Printf("Status: %s\n", status)
	if verifiedAt != nil {
		fmt.Printf("Email verified: %s\n", verifiedAt.Format(time.RFC3339))
	} else {
		fmt.Printf("Email verified: NO (login will be refused)\n")
	}

	rows, err := pool.Query(ctx, `
		SELECT r.name FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND ur.revoked_at IS NULL
		AND (ur.expires_at IS NULL OR ur.expires_at > now())
		ORDER BY r.name`, userID)
	if err != nil {
		log.Fatalf("❌ Role lookup failed: %v", err)
	}
	defer rows.Close()

	fmt.Println("Roles:")
	found := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			log.Fatalf("❌ Role scan failed: %v", err)
		}
		fmt.Printf("  - %s\n", name)
		found = true
	}
	if !found {
		fmt.Println("  (none)")
	}
}

func resetPasswordCmd() {
	fs := flag.NewFlagSet("reset-password", flag.ExitOnError)
	email := fs.String("email", "", "User email")
	password := fs.String("password", "", "New password")
	fs.Parse(os.Args[2:])

	if *email == "" || *password == "" {
		fmt.Println("Error: --email and --password are required")
		fs.PrintDefaults()
		os.Exit(1)
	}

	pool := connect()
	defer pool.Close()

	hash, err := argon2id.CreateHash(*password, crypto.DefaultParams())
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	tag, err := pool.Exec(context.Background(), `
		UPDATE users
		SET password_hash = $1, password_changed_at = now(), updated_at = now()
		WHERE lower(email) = lower($2)`,
		hash, *email)
	if err != nil {
		log.Fatalf("❌ Failed to update password: %v", err)
	}
	if tag.RowsAffected() == 0 {
		log.Fatalf("❌ No user found with email: %s", *email)
	}

	fmt.Printf("✅ Password reset for %s\n", *email)
}
