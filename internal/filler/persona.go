package filler

import (
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/whisper/video-chat/internal/participant"
)

var (
	names = []string{
		"Alex", "Sam", "Jordan", "Riley", "Casey", "Morgan", "Jamie", "Taylor",
		"Robin", "Quinn", "Avery", "Charlie", "Drew", "Emery", "Rowan", "Sky",
	}
	genders   = []string{"female", "male", "nonbinary"}
	interests = []string{
		"music", "gaming", "movies", "travel", "cooking", "fitness", "books",
		"art", "anime", "photography", "hiking", "tech", "fashion", "sports",
	}
)

// persona returns a plausible random participant for a filler. Fillers carry
// no reputation and count as established accounts so they never pick up the
// new-user boost.
func persona(rng *rand.Rand) participant.Participant {
	picked := make([]string, 0, 3)
	for _, i := range rng.Perm(len(interests))[:2+rng.IntN(2)] {
		picked = append(picked, interests[i])
	}
	return participant.Participant{
		ID:          uuid.NewString(),
		DisplayName: names[rng.IntN(len(names))],
		Profile: participant.Profile{
			Age:       19 + rng.IntN(17),
			Gender:    genders[rng.IntN(len(genders))],
			Interests: picked,
		},
		MatchCount: 100,
	}
}
