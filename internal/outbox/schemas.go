package outbox

const activityRecordedSchema = `{
  "type": "object",
  "title": "ActivityRecorded",
  "properties": {
    "record_id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "user_id": {"type": "string"},
    "activity_id": {"type": "string"},
    "category": {"type": "string"},
    "reward_amount": {"type": "integer"},
    "accepted": {"type": "boolean"},
    "manual_fallback": {"type": "boolean"},
    "state": {"type": "string"},
    "image_digest": {"type": "string"},
    "captured_at": {"type": "string", "format": "date-time"}
  },
  "required": ["record_id", "tenant_id", "user_id", "activity_id", "category", "reward_amount", "accepted", "state", "image_digest", "captured_at"],
  "additionalProperties": false
}`

const rewardIssuedSchema = `{
  "type": "object",
  "title": "RewardIssued",
  "properties": {
    "record_id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "user_id": {"type": "string"},
    "tx_id": {"type": "string"},
    "confirmation_round": {"type": "integer"},
    "amount": {"type": "integer"},
    "new_balance": {"type": "integer"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["record_id", "tenant_id", "user_id", "tx_id", "confirmation_round", "amount", "new_balance", "occurred_at"],
  "additionalProperties": false
}`

const rewardDegradedSchema = `{
  "type": "object",
  "title": "RewardDegraded",
  "properties": {
    "record_id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "user_id": {"type": "string"},
    "reason": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["record_id", "tenant_id", "user_id", "reason", "occurred_at"],
  "additionalProperties": false
}`
