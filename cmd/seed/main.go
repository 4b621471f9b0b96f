package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"questduel/internal/config"
	"questduel/internal/logger"
	"questduel/internal/model"
	"questduel/internal/repository"
	"questduel/internal/service"
)

func choices(texts ...string) []model.Alternative {
	out := make([]model.Alternative, len(texts))
	for i, text := range texts {
		out[i] = model.Alternative{Label: string(rune('A' + i)), Text: text}
	}
	return out
}

var questions = []model.BattleQuestion{
	{
		Prompt:        "What is the chemical symbol for sodium?",
		Alternatives:  choices("Na", "So", "Sd", "S"),
		CorrectAnswer: "A",
		Category:      "chemistry",
		Difficulty:    "easy",
	},
	{
		Prompt:        "Which organelle produces most of a cell's ATP?",
		Alternatives:  choices("Ribosome", "Golgi apparatus", "Mitochondrion", "Lysosome"),
		CorrectAnswer: "C",
		Category:      "biology",
		Difficulty:    "easy",
	},
	{
		Prompt:        "What is the derivative of sin(x)?",
		Alternatives:  choices("-cos(x)", "cos(x)", "tan(x)", "-sin(x)"),
		CorrectAnswer: "B",
		Category:      "math",
		Difficulty:    "medium",
	},
	{
		Prompt:        "In which year did the Berlin Wall fall?",
		Alternatives:  choices("1987", "1991", "1985", "1989"),
		CorrectAnswer: "D",
		Category:      "history",
		Difficulty:    "easy",
	},
	{
		Prompt:        "Which law states that pressure times volume is constant at fixed temperature?",
		Alternatives:  choices("Charles's law", "Boyle's law", "Avogadro's law", "Hooke's law"),
		CorrectAnswer: "B",
		Category:      "physics",
		Difficulty:    "medium",
	},
	{
		Prompt:        "What is the time complexity of binary search on a sorted array?",
		Alternatives:  choices("O(n)", "O(n log n)", "O(log n)", "O(1)"),
		CorrectAnswer: "C",
		Category:      "computing",
		Difficulty:    "easy",
	},
	{
		Prompt:        "Which of these is a prime number?",
		Alternatives:  choices("91", "97", "87", "93"),
		CorrectAnswer: "B",
		Category:      "math",
		Difficulty:    "hard",
	},
	{
		Prompt:        "Who wrote 'On the Origin of Species'?",
		Alternatives:  choices("Gregor Mendel", "Charles Darwin", "Alfred Wallace", "Louis Pasteur"),
		CorrectAnswer: "B",
		Category:      "biology",
		Difficulty:    "easy",
	},
	{
		Prompt:        "What is the SI unit of electrical resistance?",
		Alternatives:  choices("Volt", "Ampere", "Ohm", "Watt"),
		CorrectAnswer: "C",
		Category:      "physics",
		Difficulty:    "easy",
	},
	{
		Prompt:        "Which treaty ended the Thirty Years' War?",
		Alternatives:  choices("Treaty of Utrecht", "Peace of Westphalia", "Treaty of Versailles", "Congress of Vienna"),
		CorrectAnswer: "B",
		Category:      "history",
		Difficulty:    "hard",
	},
}

var profiles = []model.PlayerProfile{
	{ID: "player_ana", Name: "Ana", Level: 4, Rating: 1120, Streak: 3},
	{ID: "player_ben", Name: "Ben", Level: 3, Rating: 1040, Streak: 0},
	{ID: "player_caio", Name: "Caio", Level: 9, Rating: 1510, Streak: 12},
}

func main() {
	log := logger.NewLogger("questduel-seed")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	defer client.Disconnect(ctx)

	db := client.Database(cfg.Mongo.Database)
	questionRepo := repository.NewQuestionRepo(db)
	profileRepo := repository.NewProfileRepo(db)

	count, err := questionRepo.Count(ctx)
	if err != nil {
		log.WithError(err).Fatal("Failed to count questions")
	}
	if count > 0 {
		log.WithField("count", count).Info("Question bank already seeded")
	} else {
		for i := range questions {
			if err := questionRepo.Create(ctx, &questions[i]); err != nil {
				log.WithError(err).Fatal("Failed to insert question")
			}
		}
		log.WithField("count", len(questions)).Info("Seeded question bank")
	}

	authSvc := service.NewAuthService(cfg.Auth.JWTSecret, clockwork.NewRealClock())
	for i := range profiles {
		if err := profileRepo.Upsert(ctx, &profiles[i]); err != nil {
			log.WithError(err).Fatal("Failed to upsert profile")
		}
		token, err := authSvc.GeneratePlayerToken(profiles[i].ID, 24*time.Hour)
		if err != nil {
			log.WithError(err).Fatal("Failed to sign token")
		}
		fmt.Fprintf(os.Stdout, "%s (rating %d): %s\n", profiles[i].Name, profiles[i].Rating, token)
	}
}
