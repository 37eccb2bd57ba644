// Package stealth holds the session services every page fetch leans on to
// look less like a bot: a persistent CookieJar, a health-weighted
// ProxyRotator, a CaptchaDetector that trips a per-platform circuit breaker,
// and a HumanizedTimer that paces requests with irregular delays.
//
// All four are independent and safe for concurrent use.
package stealth
