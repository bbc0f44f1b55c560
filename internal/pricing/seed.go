package pricing

import "time"

// seedEpoch anchors every bundled rate. Upstream price changes land as new
// rows with later effective dates; these rows are never edited.
var seedEpoch = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// DefaultEntries returns the bundled pricing catalog. Token rates are USD
// per token (e.g. $2.50 per million input tokens = 2.5e-6).
func DefaultEntries() []Entry {
	entries := []Entry{
		tokenEntry("openai", "gpt-5", 1.25e-6, 1e-5, 1.25e-7),
		tokenEntry("openai", "gpt-5-mini", 2.5e-7, 2e-6, 2.5e-8),
		tokenEntry("openai", "gpt-5-nano", 5e-8, 4e-7, 5e-9),
		tokenEntry("openai", "gpt-4o", 2.5e-6, 1e-5, 2.5e-7),
		tokenEntry("openai", "gpt-4o-mini", 1.5e-7, 6e-7, 7.5e-8),
		tokenEntry("openai", "gpt-4.1", 2e-6, 8e-6, 5e-7),
		tokenEntry("openai", "gpt-4.1-mini", 4e-7, 1.6e-6, 1e-7),
		tokenEntry("openai", "gpt-4.1-nano", 1e-7, 4e-7, 2.5e-8),
		tokenEntry("openai", "o3", 2e-6, 8e-6, 5e-7),
		tokenEntry("openai", "o4-mini", 1.1e-6, 4.4e-6, 2.75e-7),
		tokenEntry("anthropic", "claude-opus-4", 1.5e-5, 7.5e-5, 1.5e-6),
		tokenEntry("anthropic", "claude-sonnet-4-5", 3e-6, 1.5e-5, 3e-7),
		tokenEntry("anthropic", "claude-3-5-sonnet", 3e-6, 1.5e-5, 3e-7),
		tokenEntry("anthropic", "claude-3-5-haiku", 8e-7, 4e-6, 8e-8),
		tokenEntry("gemini", "gemini-2.5-pro", 1.25e-6, 1e-5, 3.125e-7),
		tokenEntry("gemini", "gemini-2.5-flash", 3e-7, 1.2e-6, 7.5e-8),
		tokenEntry("gemini", "gemini-2.0-flash", 1e-7, 4e-7, 2.5e-8),
		tokenEntry("deepseek", "deepseek-chat", 2.7e-7, 1.1e-6, 7e-8),
		tokenEntry("deepseek", "deepseek-reasoner", 5.5e-7, 2.19e-6, 1.4e-7),
		tokenEntry("groq", "llama-3.3-70b-versatile", 5.9e-7, 7.9e-7, 0),
		tokenEntry("groq", "llama-3.1-8b-instant", 5e-8, 8e-8, 0),
		tokenEntry("xai", "grok-4", 3e-6, 1.5e-5, 7.5e-7),
		tokenEntry("xai", "grok-3-mini", 3e-7, 5e-7, 7.5e-8),

		// Speech, image, and embedding endpoints.
		rateEntry("openai", "whisper-1", TypePerMinute, 0.006),
		rateEntry("openai", "tts-1", TypePer1KChars, 0.015),
		rateEntry("openai", "tts-1-hd", TypePer1KChars, 0.030),
		rateEntry("openai", "dall-e-3", TypePerImage, 0.040),
		rateEntry("openai", "gpt-image-1", TypePerImage, 0.011),
		rateEntry("openai", "text-embedding-3-small", TypePerMillionTokens, 0.02),
		rateEntry("openai", "text-embedding-3-large", TypePerMillionTokens, 0.13),
		rateEntry("deepgram", "nova-2", TypePerSecond, 0.0000724),
		rateEntry("elevenlabs", "eleven_turbo_v2", TypePer1KChars, 0.18),

		// Non-LLM collaborators that still show up in agent traces.
		rateEntry("serpapi", "search", TypePer1KRequests, 15.0),
		rateEntry("aws", "s3-standard", TypePerGBMonth, 0.023),
		rateEntry("twilio", "sms-outbound", TypePerCall, 0.0079),
	}

	entries = append(entries, Entry{
		Provider:      "stripe",
		Model:         "card-payment",
		EffectiveDate: seedEpoch,
		Type:          TypePercentageFixedFee,
		Data:          Data{Percentage: 0.029, FixedFee: 0.30},
		Active:        true,
	})
	return entries
}

func tokenEntry(provider, model string, input, output, cached float64) Entry {
	return Entry{
		Provider:      provider,
		Model:         model,
		EffectiveDate: seedEpoch,
		Type:          TypeTokenBased,
		Data:          Data{InputRate: input, OutputRate: output, CachedInputRate: cached},
		Active:        true,
	}
}

func rateEntry(provider, model string, pricingType Type, rate float64) Entry {
	return Entry{
		Provider:      provider,
		Model:         model,
		EffectiveDate: seedEpoch,
		Type:          pricingType,
		Data:          Data{Rate: rate},
		Active:        true,
	}
}
