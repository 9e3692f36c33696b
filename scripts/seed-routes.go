// Copyright 2025 Intent Hub Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/your-org/intent-hub/internal/route"
)

const DefaultDBPath = "./intent_hub.db"

func main() {
	log.Println("🌱 Starting route seeding...")

	dbPath := os.Getenv("STORE_DB_PATH")
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	logger := zap.NewNop()
	store, err := route.NewStore(dbPath, logger)
	if err != nil {
		log.Fatalf("❌ Failed to open route store at %s: %v", dbPath, err)
	}
	defer func() { _ = store.Close() }()

	routes := sampleRoutes()
	for _, r := range routes {
		saved, err := store.AddOrUpdate(r)
		if err != nil {
			log.Fatalf("❌ Failed to seed route '%s': %v", r.Name, err)
		}
		log.Printf("✅ Seeded route %d: %s (%d utterances)", saved.ID, saved.Name, len(saved.Utterances))
	}

	log.Println("✅ Route seeding completed successfully!")
	log.Printf("📊 Store at %s now contains %d routes", dbPath, len(store.All()))
	log.Println("🔍 Run a reindex to push the routes into the vector index: intenthub reindex --full")
}

func sampleRoutes() []route.Route {
	return []route.Route{
		{
			Name:        "billing_inquiry",
			Description: "Questions about invoices, charges, and payment history",
			Utterances: []string{
				"why was I charged twice this month",
				"can you explain the fees on my latest invoice",
				"I need a copy of my billing statement",
				"when is my next payment due",
			},
		},
		{
			Name:        "cancel_subscription",
			Description: "Requests to cancel or downgrade an active subscription",
			Utterances: []string{
				"I want to cancel my subscription",
				"how do I stop my plan from renewing",
				"please downgrade me to the free tier",
			},
			NegativeSamples: []string{
				"how do I stop my plan from renewing",
			},
		},
		{
			Name:        "technical_support",
			Description: "Product malfunctions, errors, and troubleshooting help",
			Utterances: []string{
				"the app crashes when I open settings",
				"I keep getting a connection timeout error",
				"my dashboard is not loading any data",
				"login fails with an invalid token message",
			},
			ScoreThreshold: 0.8,
		},
		{
			Name:        "account_management",
			Description: "Profile updates, password resets, and account settings",
			Utterances: []string{
				"how do I change my email address",
				"I forgot my password and need to reset it",
				"update the phone number on my account",
			},
		},
		{
			Name:        "shipping_status",
			Description: "Order tracking and delivery timeline questions",
			Utterances: []string{
				"where is my order",
				"has my package shipped yet",
				"how long until my delivery arrives",
			},
		},
	}
}
