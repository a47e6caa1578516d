package challenge

import (
	"github.com/sirupsen/logrus"

	"github.com/browserless-labs/replayguard/internal/humanizer"
)

func newTestHumanizerForChallenge() *humanizer.Humanizer {
	return humanizer.New(noopSender{}, logrus.NewEntry(logrus.New()))
}
