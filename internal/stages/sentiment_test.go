package stages

import "testing"

func TestClassifyEmotions_Neutral(t *testing.T) {
	scores, primary, score := ClassifyEmotions("the function returns a slice of strings")
	if primary != EmotionNeutral || score != 1.0 {
		t.Errorf("got %s/%.2f, want neutral/1.0", primary, score)
	}
	if scores[EmotionNeutral] != 1.0 {
		t.Errorf("neutral score %.2f", scores[EmotionNeutral])
	}
}

func TestClassifyEmotions_Frustration(t *testing.T) {
	_, primary, score := ClassifyEmotions("this is so frustrating, the build is still failing with the same error")
	if primary != EmotionFrustration {
		t.Errorf("primary %s, want frustration", primary)
	}
	if score <= 0 || score >= 1 {
		t.Errorf("score %.2f outside (0,1)", score)
	}
}

func TestClassifyEmotions_Gratitude(t *testing.T) {
	_, primary, _ := ClassifyEmotions("thanks, that fixed it... wait no, thank you so much!")
	if primary != EmotionGratitude && primary != EmotionSatisfaction {
		t.Errorf("primary %s, want gratitude or satisfaction", primary)
	}
}

func TestClassifyEmotions_CaseInsensitive(t *testing.T) {
	_, lower, _ := ClassifyEmotions("urgent: prod is down")
	_, upper, _ := ClassifyEmotions("URGENT: PROD IS DOWN")
	if lower != upper {
		t.Errorf("case changed the label: %s vs %s", lower, upper)
	}
	if lower != EmotionUrgency {
		t.Errorf("primary %s, want urgency", lower)
	}
}

func TestClassifyEmotions_Deterministic(t *testing.T) {
	text := "ugh, still broken?? this is urgent!!"
	_, p1, s1 := ClassifyEmotions(text)
	for i := 0; i < 10; i++ {
		_, p2, s2 := ClassifyEmotions(text)
		if p1 != p2 || s1 != s2 {
			t.Fatalf("classification diverged: %s/%.3f vs %s/%.3f", p1, s1, p2, s2)
		}
	}
}

func TestSquash(t *testing.T) {
	if squash(0) != 0 {
		t.Error("squash(0) != 0")
	}
	if squash(1) != 0.5 {
		t.Errorf("squash(1) = %.2f", squash(1))
	}
	if squash(9) != 0.9 {
		t.Errorf("squash(9) = %.2f", squash(9))
	}
	if squash(100) >= 1 {
		t.Error("squash unbounded")
	}
}
