package sqlinline

// QCreateCreditTables is applied by `credits migrate`. The unique (task_id,
// kind) index is what makes debits and refunds one-shot per task.
const QCreateCreditTables = `--sql 8d5dee72-f1e8-48fd-87b2-bdb3bc3854a7
create table if not exists user_credits (
    user_id uuid primary key,
    credits integer not null default 0 check (credits >= 0),
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
create table if not exists credit_events (
    id uuid primary key,
    user_id uuid not null references user_credits(user_id) on delete cascade,
    task_id text,
    kind text not null check (kind in ('debit', 'refund', 'grant')),
    amount integer not null,
    created_at timestamptz not null default now()
);
create unique index if not exists credit_events_task_kind_idx on credit_events (task_id, kind);
create index if not exists credit_events_user_idx on credit_events (user_id, created_at desc);
create table if not exists integration_tokens (
    id uuid primary key,
    provider text not null unique,
    token text not null,
    properties jsonb not null default '{}'::jsonb,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
`

const QSelectUserCredits = `--sql d20745f8-f28f-4745-a342-b6eac01b864d
select credits
from user_credits
where user_id = $1::uuid;
`

// QDebitCredits records the debit event and lowers the balance in one
// statement. No row comes back when the balance is short or the task was
// already debited.
const QDebitCredits = `--sql 1f35ed96-08f1-43f2-b9a8-634f613ef3ee
with ev as (
    insert into credit_events (id, user_id, task_id, kind, amount, created_at)
    select gen_random_uuid(), uc.user_id, $2::text, 'debit', $3::int, now()
    from user_credits uc
    where uc.user_id = $1::uuid and uc.credits >= $3::int
    on conflict (task_id, kind) do nothing
    returning user_id, amount
)
update user_credits uc
set credits = uc.credits - ev.amount,
    updated_at = now()
from ev
where uc.user_id = ev.user_id
returning uc.credits;
`

// QRefundCredits mirrors a prior debit of the same user and task. No row
// comes back when there was no debit or the refund already happened.
const QRefundCredits = `--sql 7d8ab8e1-d8ba-4e23-a602-b9f723bd539e
with ev as (
    insert into credit_events (id, user_id, task_id, kind, amount, created_at)
    select gen_random_uuid(), d.user_id, d.task_id, 'refund', d.amount, now()
    from credit_events d
    where d.user_id = $1::uuid and d.task_id = $2::text and d.kind = 'debit'
    on conflict (task_id, kind) do nothing
    returning user_id, amount
)
update user_credits uc
set credits = uc.credits + ev.amount,
    updated_at = now()
from ev
where uc.user_id = ev.user_id
returning uc.credits;
`

const QGrantCredits = `--sql a014a5f5-4470-4825-8c69-357ab2724a26
with upserted as (
    insert into user_credits (user_id, credits, created_at, updated_at)
    values ($1::uuid, $2::int, now(), now())
    on conflict (user_id) do update set
        credits = user_credits.credits + excluded.credits,
        updated_at = now()
    returning user_id, credits
), ev as (
    insert into credit_events (id, user_id, task_id, kind, amount, created_at)
    select gen_random_uuid(), user_id, null, 'grant', $2::int, now()
    from upserted
)
select credits from upserted;
`

const QListCreditEvents = `--sql d34ebe63-def9-466b-9371-08580cae2853
select coalesce(task_id, ''), kind, amount, created_at
from credit_events
where user_id = $1::uuid
order by created_at desc
limit $2::int;
`
