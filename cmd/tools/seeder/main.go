package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/safeharborhq/compliance-core/internal/app"
)

// DemoOrgID is the organization all seeded payroll data belongs to. Pass it
// in the X-Organization-ID header when exercising the API locally.
const DemoOrgID = "11111111-1111-1111-1111-111111111111"

type seedUser struct {
	Name  string
	Email string
	Role  string
}

type seedEmployee struct {
	Ref          string
	JobTitle     string
	FilingStatus string

	RegularHours  string
	OvertimeHours string
	HourlyRate    string

	CashTips        string
	ChargedTips     string
	TippedRoleHours string

	YTDWages string
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping database: %v", err)
	}

	seedUsers(ctx, pool)
	seedPeriodRecords(ctx, pool)
	log.Println("seed complete")
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) {
	password := os.Getenv("SEED_PASSWORD")
	if password == "" {
		password = "changeme123"
	}
	hash, err := app.HashPassword(password)
	if err != nil {
		log.Fatalf("hash seed password: %v", err)
	}

	users := []seedUser{
		{Name: "Demo Owner", Email: "owner@demo.local", Role: "owner"},
		{Name: "Demo Admin", Email: "admin@demo.local", Role: "admin"},
		{Name: "Demo Manager", Email: "manager@demo.local", Role: "manager"},
		{Name: "Demo Viewer", Email: "viewer@demo.local", Role: "viewer"},
	}
	for _, u := range users {
		_, err := pool.Exec(ctx, `
			INSERT INTO users (name, email, password_hash, roles)
			VALUES ($1, $2, $3, ARRAY[$4])
			ON CONFLICT (email) DO NOTHING`,
			u.Name, u.Email, hash, u.Role,
		)
		if err != nil {
			log.Fatalf("seed user %s: %v", u.Email, err)
		}
	}
	log.Printf("seeded %d users (password %q)", len(users), password)
}

func seedPeriodRecords(ctx context.Context, pool *pgxpool.Pool) {
	orgID := uuid.MustParse(DemoOrgID)

	// One biweekly period ending last Saturday.
	now := time.Now().UTC()
	periodEnd := now.AddDate(0, 0, -int(now.Weekday())-1)
	periodStart := periodEnd.AddDate(0, 0, -13)

	employees := []seedEmployee{
		{
			Ref: "EMP-1001", JobTitle: "Bartender", FilingStatus: "single",
			RegularHours: "80", OvertimeHours: "6", HourlyRate: "16.50",
			CashTips: "420.00", ChargedTips: "860.00", TippedRoleHours: "86",
			YTDWages: "31200.00",
		},
		{
			Ref: "EMP-1002", JobTitle: "Server", FilingStatus: "married_joint",
			RegularHours: "72", OvertimeHours: "0", HourlyRate: "15.00",
			CashTips: "510.00", ChargedTips: "640.00", TippedRoleHours: "72",
			YTDWages: "26400.00",
		},
		{
			Ref: "EMP-1003", JobTitle: "Line Cook", FilingStatus: "single",
			RegularHours: "80", OvertimeHours: "14", HourlyRate: "22.00",
			CashTips: "0", ChargedTips: "0", TippedRoleHours: "0",
			YTDWages: "41800.00",
		},
		{
			Ref: "EMP-1004", JobTitle: "General Manager", FilingStatus: "single",
			RegularHours: "80", OvertimeHours: "10", HourlyRate: "62.00",
			CashTips: "0", ChargedTips: "0", TippedRoleHours: "0",
			YTDWages: "148000.00",
		},
	}

	for _, e := range employees {
		hasTips := e.CashTips != "0" || e.ChargedTips != "0"
		_, err := pool.Exec(ctx, `
			INSERT INTO employee_period_records (
				organization_id, employee_id, period_start, period_end,
				external_ref, job_title, filing_status,
				regular_hours, overtime_hours, hourly_rate,
				cash_tips, charged_tips, hours_in_tipped_role,
				ytd_wages, has_tip_data
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7,
				$8::numeric, $9::numeric, $10::numeric,
				$11::numeric, $12::numeric, $13::numeric,
				$14::numeric, $15
			)
			ON CONFLICT (organization_id, employee_id, period_start, period_end) DO NOTHING`,
			orgID, uuid.NewSHA1(orgID, []byte(e.Ref)), periodStart, periodEnd,
			e.Ref, e.JobTitle, e.FilingStatus,
			e.RegularHours, e.OvertimeHours, e.HourlyRate,
			e.CashTips, e.ChargedTips, e.TippedRoleHours,
			e.YTDWages, hasTips,
		)
		if err != nil {
			log.Fatalf("seed period record %s: %v", e.Ref, err)
		}
	}
	log.Printf("seeded %d period records for organization %s (%s to %s)",
		len(employees), DemoOrgID,
		periodStart.Format("2006-01-02"), periodEnd.Format("2006-01-02"))
}
