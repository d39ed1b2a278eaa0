package server

import (
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/changefeed"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/feedback"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/profile"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/snippets"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/tags"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/todos"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/transfer"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/versions"
	"github.com/MarcoPoloResearchLab/codevault/backend/internal/voting"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ServicesConfig is the shared wiring of every domain service.
type ServicesConfig struct {
	Database  *gorm.DB
	Feed      changefeed.Publisher
	Hasher    *auth.PasswordHasher
	AppOrigin string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// NewServices constructs the snippet service and every service that hangs off
// it. Child services register their snippet-delete cascades on construction.
func NewServices(cfg ServicesConfig) (Services, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	snippetService, err := snippets.NewService(snippets.ServiceConfig{
		Database:  cfg.Database,
		Clock:     cfg.Clock,
		Feed:      cfg.Feed,
		Hasher:    cfg.Hasher,
		AppOrigin: cfg.AppOrigin,
		Logger:    logger.Named("snippets"),
	})
	if err != nil {
		return Services{}, err
	}
	votingService, err := voting.NewService(voting.ServiceConfig{
		Database: cfg.Database, Clock: cfg.Clock, Feed: cfg.Feed, Snippets: snippetService, Logger: logger.Named("voting"),
	})
	if err != nil {
		return Services{}, err
	}
	bookmarkService, err := bookmarks.NewService(bookmarks.ServiceConfig{
		Database: cfg.Database, Clock: cfg.Clock, Feed: cfg.Feed, Snippets: snippetService, Logger: logger.Named("bookmarks"),
	})
	if err != nil {
		return Services{}, err
	}
	todoService, err := todos.NewService(todos.ServiceConfig{
		Database: cfg.Database, Clock: cfg.Clock, Feed: cfg.Feed, Snippets: snippetService, Logger: logger.Named("todos"),
	})
	if err != nil {
		return Services{}, err
	}
	feedbackService, err := feedback.NewService(feedback.ServiceConfig{
		Database: cfg.Database, Clock: cfg.Clock, Feed: cfg.Feed, Snippets: snippetService, Logger: logger.Named("feedback"),
	})
	if err != nil {
		return Services{}, err
	}
	versionService, err := versions.NewService(versions.ServiceConfig{
		Database: cfg.Database, Clock: cfg.Clock, Feed: cfg.Feed, Snippets: snippetService, Logger: logger.Named("versions"),
	})
	if err != nil {
		return Services{}, err
	}
	tagService, err := tags.NewService(tags.ServiceConfig{
		Database: cfg.Database, Clock: cfg.Clock, Feed: cfg.Feed, Logger: logger.Named("tags"),
	})
	if err != nil {
		return Services{}, err
	}
	profileService, err := profile.NewService(profile.ServiceConfig{
		Database: cfg.Database, Clock: cfg.Clock, Feed: cfg.Feed, Snippets: snippetService, Logger: logger.Named("profile"),
	})
	if err != nil {
		return Services{}, err
	}
	transferService, err := transfer.NewService(transfer.ServiceConfig{
		Database: cfg.Database, Clock: cfg.Clock, Feed: cfg.Feed, Snippets: snippetService, Logger: logger.Named("transfer"),
	})
	if err != nil {
		return Services{}, err
	}
	return Services{
		Snippets:  snippetService,
		Voting:    votingService,
		Bookmarks: bookmarkService,
		Tags:      tagService,
		Profiles:  profileService,
		Todos:     todoService,
		Feedback:  feedbackService,
		Versions:  versionService,
		Transfer:  transferService,
	}, nil
}
